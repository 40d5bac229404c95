package credential

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainDCA/internal/errors"
)

// MemoryStore 以内存方式保存凭证，用于测试与单机体验。
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credentials: make(map[string]*Credential)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, c *Credential) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	if strings.TrimSpace(c.UserAddress) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证缺少用户地址")
	}
	if strings.TrimSpace(c.SealedKey) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证缺少密封密钥")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "凭证已存在: "+c.ID)
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	clone := *c
	m.credentials[c.ID] = &clone
	return nil
}

// Get 返回凭证的拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	clone := *c
	return &clone, nil
}

// ListByUser 返回用户名下的全部凭证，按创建时间升序。
func (m *MemoryStore) ListByUser(_ context.Context, userAddress string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Credential, 0, 4)
	for _, c := range m.credentials {
		if strings.EqualFold(c.UserAddress, userAddress) {
			clone := *c
			results = append(results, &clone)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Revoke 撤销凭证。撤销是幂等操作。
func (m *MemoryStore) Revoke(_ context.Context, id string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	if !c.Revoked {
		c.Revoked = true
		c.RevokedAt = time.Now().Unix()
	}
	clone := *c
	return &clone, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
