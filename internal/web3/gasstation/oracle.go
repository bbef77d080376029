// Package gasstation reads gas prices from a Polygon style gas station.
package gasstation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"

	"reward-accumulator/internal/web3"
)

const (
	defaultSpeed   = "standard"
	defaultTimeout = 10 * time.Second
)

// Config 描述 gas station 的地址与取价档位。
type Config struct {
	URL     string
	Speed   string
	Timeout time.Duration
}

// Oracle 通过 HTTP 查询 gas station，返回 wei 单位的 gas 价格。
type Oracle struct {
	url        string
	speed      string
	httpClient *http.Client
}

// NewOracle 根据配置创建 Oracle。
func NewOracle(cfg Config) (*Oracle, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("未提供 gas station 地址")
	}
	speed := strings.TrimSpace(cfg.Speed)
	if speed == "" {
		speed = defaultSpeed
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Oracle{url: url, speed: speed, httpClient: &http.Client{Timeout: timeout}}, nil
}

var _ web3.FeeOracle = (*Oracle)(nil)

// FeePrice 查询当前档位的 gas 价格。
//
// v1 接口返回 {"standard": 35.5}，v2 接口返回 {"standard": {"maxFee": 35.5, ...}}，
// 两者单位均为 gwei。
func (o *Oracle) FeePrice(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, fmt.Errorf("构建 gas station 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 gas station 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("gas station 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 gas station 响应失败: %w", err)
	}
	raw, ok := decoded[o.speed]
	if !ok {
		return nil, fmt.Errorf("gas station 响应缺少档位 %s", o.speed)
	}
	gwei, err := parseGwei(raw)
	if err != nil {
		return nil, err
	}
	return gweiToWei(gwei), nil
}

func parseGwei(raw json.RawMessage) (float64, error) {
	var value float64
	if err := json.Unmarshal(raw, &value); err == nil {
		return checkPositive(value)
	}
	var tier struct {
		MaxFee *float64 `json:"maxFee"`
	}
	if err := json.Unmarshal(raw, &tier); err != nil {
		return 0, fmt.Errorf("无法识别的 gas station 档位格式: %w", err)
	}
	if tier.MaxFee == nil {
		return 0, errors.New("gas station 档位缺少 maxFee")
	}
	return checkPositive(*tier.MaxFee)
}

func checkPositive(v float64) (float64, error) {
	if v <= 0 {
		return 0, fmt.Errorf("gas station 返回的价格无效: %v", v)
	}
	return v, nil
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei)).Int(nil)
	return wei
}
