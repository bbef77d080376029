package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"reward-accumulator/internal/api"
	"reward-accumulator/internal/audit"
	"reward-accumulator/internal/config"
	"reward-accumulator/internal/contracts"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/alerting"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/pipeline"
	"reward-accumulator/internal/scheduler"
	"reward-accumulator/internal/storage/mysql"
	"reward-accumulator/internal/storage/redis"
	"reward-accumulator/internal/txn"
	"reward-accumulator/internal/web3"
	"reward-accumulator/internal/web3/ethereum"
	"reward-accumulator/internal/web3/gasstation"
	"reward-accumulator/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

// main 是复投守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "accumulatord 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", os.Getenv("ACCUMULATOR_CONFIG"), "JSON config file (optional, environment variables override it)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	once := flag.Bool("once", false, "run the pipeline once and exit instead of scheduling")
	listen := flag.String("listen", "", "HTTP listen address for the trigger API and metrics (overrides server.address)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 %s 失败: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Address = *listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPaths: cfg.Log.OutputPaths}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("accumulatord")
	log.Info("配置已加载", slog.Any("config", cfg.Redacted()))
	metrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	client, err := ethereum.NewClient(ctx, ethereum.Config{Name: cfg.Web3.Chain, RPCURL: cfg.Web3.RPCURL})
	if err != nil {
		return err
	}
	defer client.Close()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkUnavailable, err, "查询链 ID 失败")
	}
	if chainID.Int64() != cfg.Web3.ChainID {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "节点链 ID 与配置不一致",
			xerrors.WithMetadata("node", chainID.String()),
			xerrors.WithMetadata("config", strconv.FormatInt(cfg.Web3.ChainID, 10)))
	}

	fees, err := feeOracle(cfg, client)
	if err != nil {
		return err
	}
	key, err := cfg.Wallet.Key()
	if err != nil {
		return err
	}
	signer, err := txn.NewSigner(client, fees, key, big.NewInt(cfg.Web3.ChainID),
		txn.WithGasLimit(cfg.Pipeline.GasLimit),
		txn.WithCostGuard(txn.NewCostGuard(cfg.Pipeline.FeeCeilingWei())))
	if err != nil {
		return err
	}

	sinks, history, closeSinks, err := auditSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	broadcaster := txn.NewBroadcaster(client, client,
		txn.WithPollInterval(cfg.Pipeline.PollInterval()),
		txn.WithAuditSink(audit.Select(cfg.Audit.Enabled, sinks...)))

	wallet := common.HexToAddress(cfg.Wallet.Address)
	protocol := contracts.NewProtocol(client, wallet, contracts.Addresses{
		Incentives:   common.HexToAddress(cfg.Contracts.Incentives),
		DataProvider: common.HexToAddress(cfg.Contracts.DataProvider),
		LendingPool:  common.HexToAddress(cfg.Contracts.LendingPool),
		Router:       common.HexToAddress(cfg.Contracts.Router),
	})
	orchestrator, err := pipeline.New(pipeline.Config{
		Wallet:         wallet,
		RewardSymbol:   cfg.Pipeline.RewardToken,
		DepositSymbol:  cfg.Pipeline.DepositToken,
		LendingPool:    common.HexToAddress(cfg.Contracts.LendingPool),
		Router:         common.HexToAddress(cfg.Contracts.Router),
		SlippageBuffer: big.NewInt(cfg.Pipeline.SlippageBuffer),
		SwapDeadline:   cfg.Pipeline.SwapDeadline(),
	}, pipeline.Dependencies{
		Encoder:     protocol,
		Reader:      protocol,
		Quotes:      protocol,
		Signer:      signer,
		Broadcaster: broadcaster,
	})
	if err != nil {
		return err
	}

	runnerOpts := []scheduler.Option{scheduler.WithAlertDispatcher(alertDispatcher(cfg))}
	if cfg.Schedule.Lock.Address != "" {
		locker, err := redis.NewLocker(ctx, redis.LockConfig{
			Address:  cfg.Schedule.Lock.Address,
			Password: cfg.Schedule.Lock.Password,
			DB:       cfg.Schedule.Lock.DB,
			Key:      cfg.Schedule.Lock.Key,
			TTL:      cfg.Schedule.Lock.TTL(),
		})
		if err != nil {
			return err
		}
		defer locker.Close()
		runnerOpts = append(runnerOpts, scheduler.WithLock(locker))
	}
	runner := scheduler.NewRunner(orchestrator, runnerOpts...)

	if *once {
		status, err := runner.Run(ctx, "cli")
		if err != nil {
			return err
		}
		log.Info("单次运行完成", slog.String("run_id", status.RunID), slog.String("deposited", status.Deposited))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Schedule(gctx, cfg.Schedule.Cron)
	})
	if cfg.Server.Address != "" {
		var txHistory api.History
		if history != nil {
			txHistory = history
		}
		server := api.NewServer(cfg.Server.Address, runner, txHistory)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}
	err = g.Wait()
	runner.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("守护进程已退出")
	return nil
}

// 未配置 gas station 时回退到节点的 eth_gasPrice。
func feeOracle(cfg *config.Config, client *ethereum.Client) (web3.FeeOracle, error) {
	if cfg.Web3.GasStationURL == "" {
		return client, nil
	}
	return gasstation.NewOracle(gasstation.Config{URL: cfg.Web3.GasStationURL})
}

// auditSinks 只在审计开启时构造存储，关闭时不创建任何文件或连接。
func auditSinks(ctx context.Context, cfg *config.Config) ([]audit.Sink, *audit.MySQLSink, func(), error) {
	var (
		sinks   []audit.Sink
		history *audit.MySQLSink
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if !cfg.Audit.Enabled {
		return nil, nil, closeAll, nil
	}

	csvSink, err := audit.NewCSVSink(cfg.Audit.CSVPath)
	if err != nil {
		return nil, nil, closeAll, err
	}
	sinks = append(sinks, csvSink)

	if cfg.Audit.MySQL.DSN != "" {
		repo, err := mysql.NewTransactionRepository(ctx, mysql.Config{
			DSN:             cfg.Audit.MySQL.DSN,
			MaxOpenConns:    cfg.Audit.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.MySQL.ConnMaxLifetime(),
		})
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		closers = append(closers, repo.Close)
		history = audit.NewMySQLSink(repo)
		sinks = append(sinks, history)
	}

	if cfg.Audit.RabbitMQ.URL != "" {
		queue, err := audit.NewRabbitMQSink(audit.RabbitMQConfig{
			URL:     cfg.Audit.RabbitMQ.URL,
			Queue:   cfg.Audit.RabbitMQ.Queue,
			Durable: cfg.Audit.RabbitMQ.DurableQueue(),
		})
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		closers = append(closers, queue.Close)
		sinks = append(sinks, queue)
	}
	return sinks, history, closeAll, nil
}

func alertDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Alerting.SlackToken != "" && cfg.Alerting.SlackChannel != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackAPISender(cfg.Alerting.SlackToken),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
