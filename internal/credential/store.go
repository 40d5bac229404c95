package credential

import "context"

// Store 抽象委托凭证的持久化接口。
// Revoke 必须立即生效：撤销后的凭证不得再参与任何签名。
type Store interface {
	Create(ctx context.Context, c *Credential) error
	Get(ctx context.Context, id string) (*Credential, error)
	ListByUser(ctx context.Context, userAddress string) ([]*Credential, error)
	Revoke(ctx context.Context, id string) (*Credential, error)
	Close() error
}
