package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HTTPResolverConfig 配置聚合器询价客户端。
type HTTPResolverConfig struct {
	// BaseURL 形如 https://aggregator.example.com。
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MaxSlippageBps 是策略允许的最大滑点，询价与校验共用。
	MaxSlippageBps int
}

// HTTPResolver 通过聚合器的 HTTP API 解析兑换路由。
type HTTPResolver struct {
	baseURL string
	apiKey  string
	maxBps  int
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPResolver 创建聚合器询价客户端。
func NewHTTPResolver(cfg HTTPResolverConfig) (*HTTPResolver, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "聚合器地址不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxSlippageBps <= 0 {
		cfg.MaxSlippageBps = 300
	}
	return &HTTPResolver{
		baseURL: base,
		apiKey:  cfg.APIKey,
		maxBps:  cfg.MaxSlippageBps,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.Named("quote"),
	}, nil
}

// swapResponse 是聚合器 /swap 接口的响应体。
type swapResponse struct {
	To             string `json:"to"`
	Data           string `json:"data"`
	Value          string `json:"value"`
	ExpectedOut    string `json:"expectedOut"`
	MinimumOut     string `json:"minimumOut"`
	PriceImpactBps int    `json:"priceImpactBps"`
	ExpiresAt      int64  `json:"expiresAt"`
	Error          string `json:"error,omitempty"`
}

// Resolve 实现 Resolver 接口。
func (r *HTTPResolver) Resolve(ctx context.Context, req Request) (*Quote, error) {
	if req.InputAmount == nil || req.InputAmount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "询价金额必须为正")
	}

	maxBps := req.MaxSlippageBps
	if maxBps <= 0 || maxBps > r.maxBps {
		maxBps = r.maxBps
	}

	params := url.Values{}
	params.Set("sellToken", req.InputToken.Hex())
	params.Set("buyToken", req.OutputToken.Hex())
	params.Set("sellAmount", req.InputAmount.String())
	params.Set("recipient", req.Recipient.Hex())
	params.Set("slippageBps", fmt.Sprintf("%d", maxBps))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/swap?"+params.Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteUpstream, err, "构造询价请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteUpstream, err, "聚合器请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteUpstream, err, "读取聚合器响应失败")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoRoute
	case resp.StatusCode >= 500:
		return nil, xerrors.New(CodeQuoteUpstream, fmt.Sprintf("聚合器返回 %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, xerrors.New(CodeQuoteInvalid, fmt.Sprintf("聚合器返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload swapResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(CodeQuoteInvalid, err, "解析聚合器响应失败")
	}
	if payload.Error != "" {
		if strings.Contains(strings.ToLower(payload.Error), "no route") {
			return nil, ErrNoRoute
		}
		return nil, xerrors.New(CodeQuoteUpstream, "聚合器错误: "+payload.Error)
	}
	if !common.IsHexAddress(payload.To) {
		return nil, xerrors.New(CodeQuoteInvalid, "路由目标地址非法: "+payload.To)
	}

	calldata, err := hexutil.Decode(payload.Data)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteInvalid, err, "路由 calldata 非法")
	}

	q := &Quote{
		Target:         common.HexToAddress(payload.To),
		Calldata:       calldata,
		Value:          parseDecimal(payload.Value),
		ExpectedOut:    parseDecimal(payload.ExpectedOut),
		MinimumOut:     parseDecimal(payload.MinimumOut),
		PriceImpactBps: payload.PriceImpactBps,
		ExpiresAt:      payload.ExpiresAt,
	}
	if err := Normalize(q, maxBps); err != nil {
		return nil, err
	}

	r.logger.Debug("询价完成",
		slog.String("pair", req.InputToken.Hex()+"->"+req.OutputToken.Hex()),
		slog.String("expected_out", q.ExpectedOut.String()),
		slog.String("minimum_out", q.MinimumOut.String()),
		slog.Int("price_impact_bps", q.PriceImpactBps),
	)
	return q, nil
}

func parseDecimal(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return new(big.Int)
	}
	return value
}

var _ Resolver = (*HTTPResolver)(nil)
