package txn

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/web3"
	"reward-accumulator/pkg/logger"
)

// DefaultGasLimit covers the most expensive step of the pipeline, the swap.
const DefaultGasLimit uint64 = 450000

// Signer builds and signs transactions for a single wallet.
type Signer struct {
	nonces   web3.NonceReader
	fees     web3.FeeOracle
	guard    *CostGuard
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	log      *slog.Logger
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithGasLimit overrides DefaultGasLimit.
func WithGasLimit(limit uint64) SignerOption {
	return func(s *Signer) {
		if limit > 0 {
			s.gasLimit = limit
		}
	}
}

// WithCostGuard installs the gas price guard run before every signature.
func WithCostGuard(guard *CostGuard) SignerOption {
	return func(s *Signer) { s.guard = guard }
}

// WithSignerLogger sets the logger.
func WithSignerLogger(log *slog.Logger) SignerOption {
	return func(s *Signer) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSigner returns a signer for key on chainID.
func NewSigner(nonces web3.NonceReader, fees web3.FeeOracle, key *ecdsa.PrivateKey, chainID *big.Int, opts ...SignerOption) (*Signer, error) {
	if nonces == nil || fees == nil {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "nonce reader and fee oracle are required")
	}
	if key == nil {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "signing key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "chain id must be positive")
	}
	s := &Signer{
		nonces:   nonces,
		fees:     fees,
		guard:    NewCostGuard(nil),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(chainID),
		gasLimit: DefaultGasLimit,
		log:      logger.Named("signer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// From returns the sending address.
func (s *Signer) From() common.Address { return s.from }

// Sign reads the latest nonce and gas price, runs the cost guard and signs op.
// It only reads from the network.
func (s *Signer) Sign(ctx context.Context, kind audit.Kind, op web3.Operation) (*SignedTransaction, error) {
	meta := xerrors.WithMetadata("kind", string(kind))
	if op.To == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeEncodingFailed, "destination address is empty", meta)
	}

	nonce, err := s.nonces.NonceAt(ctx, s.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningFailed, err, "read account nonce", meta,
			xerrors.WithMetadata("from", s.from.Hex()))
	}

	price, err := s.fees.FeePrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkUnavailable, err, "read gas price", meta)
	}
	metrics.GasPriceGwei.Set(toGwei(price))

	if err := s.guard.Check(price); err != nil {
		if xerrors.HasCode(err, xerrors.CodeCostExceeded) {
			metrics.CostGuardRejectionsTotal.Inc()
		}
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(price),
		Gas:      s.gasLimit,
		To:       &op.To,
		Value:    new(big.Int),
		Data:     op.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailed, err, "sign transaction", meta)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncodingFailed, err, "encode signed transaction", meta)
	}

	s.log.Debug("transaction signed",
		slog.String("kind", string(kind)),
		slog.String("hash", signed.Hash().Hex()),
		slog.String("nonce", strconv.FormatUint(nonce, 10)),
		slog.String("gas_price", price.String()))

	return &SignedTransaction{
		Kind:     kind,
		Nonce:    nonce,
		From:     s.from,
		To:       op.To,
		GasPrice: new(big.Int).Set(price),
		GasLimit: s.gasLimit,
		Data:     append([]byte(nil), op.Data...),
		ChainID:  new(big.Int).Set(s.chainID),
		Hash:     signed.Hash(),
		Raw:      raw,
		tx:       signed,
	}, nil
}

func toGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return f
}
