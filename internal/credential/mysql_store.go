package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化委托凭证。
// 通常与订单共用同一个数据库实例。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 在已有连接上创建凭证存储并初始化表结构。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS dca_credentials (
        id VARCHAR(64) PRIMARY KEY,
        user_address VARCHAR(64) NOT NULL,
        signer_address VARCHAR(64) NOT NULL,
        scope_json TEXT NOT NULL,
        not_before BIGINT NOT NULL DEFAULT 0,
        not_after BIGINT NOT NULL DEFAULT 0,
        revoked TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        revoked_at BIGINT NOT NULL DEFAULT 0,
        sealed_key TEXT NOT NULL,
        INDEX idx_credential_user (user_address)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 dca_credentials 表失败")
	}
	return nil
}

// Create 插入新的凭证记录。
func (s *MySQLStore) Create(ctx context.Context, c *Credential) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}
	if strings.TrimSpace(c.SealedKey) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证缺少密封密钥")
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}

	scopeJSON, err := json.Marshal(c.Scope)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化凭证范围失败")
	}

	const stmt = `INSERT INTO dca_credentials
        (id, user_address, signer_address, scope_json, not_before, not_after, revoked, created_at, revoked_at, sealed_key)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		c.ID, c.UserAddress, c.SignerAddress, string(scopeJSON),
		c.NotBefore, c.NotAfter, c.Revoked, c.CreatedAt, c.RevokedAt, c.SealedKey,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "凭证已存在: "+c.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入凭证失败")
	}
	return nil
}

const credentialColumns = `id, user_address, signer_address, scope_json, not_before, not_after, revoked, created_at, revoked_at, sealed_key`

// Get 查询指定凭证。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM dca_credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// ListByUser 返回用户名下的全部凭证。
func (s *MySQLStore) ListByUser(ctx context.Context, userAddress string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM dca_credentials WHERE user_address = ? ORDER BY created_at ASC, id ASC`,
		userAddress,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户凭证失败")
	}
	defer rows.Close()

	var results []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// Revoke 撤销凭证，幂等。
func (s *MySQLStore) Revoke(ctx context.Context, id string) (*Credential, error) {
	const stmt = `UPDATE dca_credentials SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`
	if _, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销凭证失败")
	}
	return s.Get(ctx, id)
}

// Close 实现 Store 接口。连接由调用方统一管理，这里不关闭。
func (s *MySQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var scopeJSON string
	if err := row.Scan(
		&c.ID, &c.UserAddress, &c.SignerAddress, &scopeJSON,
		&c.NotBefore, &c.NotAfter, &c.Revoked, &c.CreatedAt, &c.RevokedAt, &c.SealedKey,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析凭证记录失败")
	}
	if err := json.Unmarshal([]byte(scopeJSON), &c.Scope); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析凭证范围失败")
	}
	return &c, nil
}

var _ Store = (*MySQLStore)(nil)
