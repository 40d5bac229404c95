package credential

import (
	"context"
	"log/slog"
	"strings"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// IssueParams 描述签发委托凭证所需的输入。
type IssueParams struct {
	UserAddress string `json:"user_address"`
	Scope       Scope  `json:"scope"`
	NotBefore   int64  `json:"not_before,omitempty"`
	NotAfter    int64  `json:"not_after,omitempty"`
}

// Service 负责会话密钥的签发、查询与撤销。
type Service struct {
	store  Store
	sealer *Sealer
	logger *slog.Logger
}

// NewService 创建凭证服务。
func NewService(store Store, sealer *Sealer) *Service {
	return &Service{
		store:  store,
		sealer: sealer,
		logger: logger.Named("credential"),
	}
}

// Issue 生成新的 secp256k1 会话密钥，密封后落库。
// 私钥只在密封前的瞬间存在于内存，函数返回前抹除。
func (s *Service) Issue(ctx context.Context, params IssueParams) (*Credential, error) {
	if strings.TrimSpace(params.UserAddress) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户地址")
	}
	if len(params.Scope.AllowedTargets) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭证必须至少授权一个目标合约")
	}
	if params.NotAfter > 0 && params.NotBefore > 0 && params.NotAfter <= params.NotBefore {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "有效期区间非法")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeCredentialSeal, err, "生成会话密钥失败")
	}
	raw := crypto.FromECDSA(key)
	defer Zero(raw)

	sealed, err := s.sealer.Seal(raw)
	if err != nil {
		return nil, err
	}

	c := &Credential{
		ID:            uuid.NewString(),
		UserAddress:   params.UserAddress,
		SignerAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Scope:         params.Scope,
		NotBefore:     params.NotBefore,
		NotAfter:      params.NotAfter,
		SealedKey:     sealed,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("委托凭证已签发",
		slog.String("credential_id", c.ID),
		slog.String("user", c.UserAddress),
		slog.String("signer", c.SignerAddress),
	)
	logger.Audit().Info("credential_issued",
		slog.String("credential_id", c.ID),
		slog.String("user", c.UserAddress),
	)
	return c, nil
}

// Get 查询凭证。
func (s *Service) Get(ctx context.Context, id string) (*Credential, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	return s.store.Get(ctx, id)
}

// ListByUser 返回用户名下的全部凭证。
func (s *Service) ListByUser(ctx context.Context, userAddress string) ([]*Credential, error) {
	return s.store.ListByUser(ctx, userAddress)
}

// Revoke 撤销凭证。撤销立即生效，依赖它的订单下次执行会被暂停。
func (s *Service) Revoke(ctx context.Context, id string) (*Credential, error) {
	c, err := s.store.Revoke(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("credential_revoked",
		slog.String("credential_id", id),
		slog.String("user", c.UserAddress),
	)
	return c, nil
}
