package order

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化订单与执行回执。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const ordersSchema = `CREATE TABLE IF NOT EXISTS dca_orders (
        id VARCHAR(64) PRIMARY KEY,
        user_address VARCHAR(64) NOT NULL,
        destination_address VARCHAR(64) DEFAULT '',
        account_address VARCHAR(64) DEFAULT '',
        input_token VARCHAR(64) NOT NULL,
        output_token VARCHAR(64) NOT NULL,
        total_amount VARCHAR(96) NOT NULL,
        per_occurrence_amount VARCHAR(96) NOT NULL,
        cadence VARCHAR(16) NOT NULL,
        planned_occurrences INT NOT NULL,
        status VARCHAR(32) NOT NULL,
        occurrences_executed INT NOT NULL DEFAULT 0,
        consumed_amount VARCHAR(96) NOT NULL DEFAULT '0',
        remaining_amount VARCHAR(96) NOT NULL,
        consecutive_failures INT NOT NULL DEFAULT 0,
        credential_ref VARCHAR(64) NOT NULL,
        min_rate VARCHAR(64) DEFAULT '',
        max_rate VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        last_executed_at BIGINT NOT NULL DEFAULT 0,
        next_due_at BIGINT NOT NULL,
        expires_at BIGINT NOT NULL DEFAULT 0,
        lease_owner VARCHAR(64) NOT NULL DEFAULT '',
        lease_expires_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_order_due (status, next_due_at),
        INDEX idx_order_user (user_address)
)`
	const recordsSchema = `CREATE TABLE IF NOT EXISTS dca_execution_records (
        id VARCHAR(64) PRIMARY KEY,
        order_id VARCHAR(64) NOT NULL,
        attempted_at BIGINT NOT NULL,
        input_amount VARCHAR(96) NOT NULL,
        output_amount VARCHAR(96) NOT NULL DEFAULT '0',
        tx_hash VARCHAR(66) DEFAULT '',
        outcome VARCHAR(16) NOT NULL,
        reason VARCHAR(32) DEFAULT '',
        rate VARCHAR(96) DEFAULT '',
        INDEX idx_record_order (order_id, attempted_at)
)`

	if _, err := s.db.Exec(ordersSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 dca_orders 表失败")
	}
	if _, err := s.db.Exec(recordsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 dca_execution_records 表失败")
	}
	return nil
}

const orderColumns = `id, user_address, destination_address, account_address, input_token, output_token,
        total_amount, per_occurrence_amount, cadence, planned_occurrences, status, occurrences_executed,
        consumed_amount, remaining_amount, consecutive_failures, credential_ref, min_rate, max_rate,
        created_at, updated_at, last_executed_at, next_due_at, expires_at`

// Create 插入新的订单记录。
func (s *MySQLStore) Create(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	now := time.Now().Unix()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	const stmt = `INSERT INTO dca_orders
        (` + orderColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		o.ID, o.UserAddress, o.DestinationAddress, o.AccountAddress, o.InputToken, o.OutputToken,
		o.TotalAmount, o.PerOccurrenceAmount, o.Cadence, o.PlannedOccurrences, o.Status, o.OccurrencesExecuted,
		o.ConsumedAmount, o.RemainingAmount, o.ConsecutiveFailures, o.CredentialRef, o.MinRate, o.MaxRate,
		o.CreatedAt, o.UpdatedAt, o.LastExecutedAt, o.NextDueAt, o.ExpiresAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOrderConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

// Get 查询指定订单。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	refs, err := s.executionRefs(ctx, id)
	if err != nil {
		return nil, err
	}
	o.ExecutionRefs = refs
	return o, nil
}

// List 返回符合过滤条件的订单列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()

	query := `SELECT ` + orderColumns + ` FROM dca_orders`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByNextDueAsc {
		query += " ORDER BY next_due_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, opts.Limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			// 损坏记录按条隔离，不阻塞整个列表。
			logger.L().Error("跳过无法解析的订单记录", slog.Any("error", err))
			continue
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// ListDue 借助 (status, next_due_at) 索引返回到期订单。
func (s *MySQLStore) ListDue(ctx context.Context, now int64, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + orderColumns + ` FROM dca_orders
        WHERE status = ? AND next_due_at <= ? AND (expires_at = 0 OR expires_at > ?)
            AND occurrences_executed < planned_occurrences
        ORDER BY next_due_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, StatusActive, now, now, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期订单失败")
	}
	defer rows.Close()

	due := make([]*Order, 0, limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			logger.L().Error("跳过无法解析的到期订单", slog.Any("error", err))
			continue
		}
		if !o.Due(now) {
			continue
		}
		due = append(due, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历到期订单失败")
	}
	return due, nil
}

// AcquireLease 以单条 CAS UPDATE 获取执行租约。
func (s *MySQLStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (*Order, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := time.Now().Unix()
	expires := now + int64(ttl/time.Second)

	// 未过期的租约一律挡下，持有者自身也不例外。
	const stmt = `UPDATE dca_orders SET lease_owner = ?, lease_expires_at = ?
        WHERE id = ? AND status NOT IN (?, ?)
            AND (lease_owner = '' OR lease_expires_at < ?)`

	res, err := s.db.ExecContext(ctx, stmt, owner, expires, id, StatusCompleted, StatusCancelled, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行租约失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		o, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if o.Status.Terminal() {
			return o, ErrOrderTerminal
		}
		return o, ErrLeaseHeld
	}
	return s.Get(ctx, id)
}

// ReleaseLease 释放调用方持有的租约。
func (s *MySQLStore) ReleaseLease(ctx context.Context, id, owner string) error {
	const stmt = `UPDATE dca_orders SET lease_owner = '', lease_expires_at = 0
        WHERE id = ? AND lease_owner = ?`
	if _, err := s.db.ExecContext(ctx, stmt, id, owner); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放执行租约失败")
	}
	return nil
}

// ApplyExecution 在单个事务内推进计数、落账并追加回执。
func (s *MySQLStore) ApplyExecution(ctx context.Context, id string, upd ExecutionUpdate) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = ? FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.Status == StatusCompleted {
		return o, ErrOrderTerminal
	}

	if err := applyExecutionUpdate(o, upd); err != nil {
		return nil, err
	}

	const stmt = `UPDATE dca_orders SET status = ?, occurrences_executed = ?, consumed_amount = ?,
        remaining_amount = ?, consecutive_failures = 0, updated_at = ?, last_executed_at = ?, next_due_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		o.Status, o.OccurrencesExecuted, o.ConsumedAmount,
		o.RemainingAmount, o.UpdatedAt, o.LastExecutedAt, o.NextDueAt, id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "落账更新订单失败")
	}
	if upd.Record != nil {
		if err := insertRecord(ctx, tx, upd.Record); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交执行落账失败")
	}
	return o, nil
}

// ApplyFailure 追加失败回执并累加连续失败计数。
func (s *MySQLStore) ApplyFailure(ctx context.Context, id string, upd FailureUpdate) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = ? FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.Status.Terminal() {
		return o, ErrOrderTerminal
	}

	o.ConsecutiveFailures++
	if upd.Pause && o.Status == StatusActive {
		o.Status = StatusPaused
	}
	o.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE dca_orders SET status = ?, consecutive_failures = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt, o.Status, o.ConsecutiveFailures, o.UpdatedAt, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新失败计数失败")
	}
	if upd.Record != nil {
		if err := insertRecord(ctx, tx, upd.Record); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交失败落账失败")
	}
	return o, nil
}

// SetStatus 按状态机迁移表更新状态。
func (s *MySQLStore) SetStatus(ctx context.Context, id string, from []Status, to Status) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM dca_orders WHERE id = ? FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	// 终态判定先于 from 条件：终态订单统一报 ErrOrderTerminal。
	if o.Status.Terminal() {
		return o, ErrOrderTerminal
	}
	if len(from) > 0 {
		matched := false
		for _, status := range from {
			if o.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return o, ErrOrderConflict
		}
	}
	if !CanTransition(o.Status, to) {
		return o, ErrOrderConflict
	}

	o.Status = to
	if to == StatusActive {
		o.ConsecutiveFailures = 0
	}
	o.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE dca_orders SET status = ?, consecutive_failures = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt, o.Status, o.ConsecutiveFailures, o.UpdatedAt, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新订单状态失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交状态更新失败")
	}
	return o, nil
}

// Reschedule 调整下一次到期时间。
func (s *MySQLStore) Reschedule(ctx context.Context, id string, nextDueAt int64) (*Order, error) {
	const stmt = `UPDATE dca_orders SET next_due_at = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, nextDueAt, time.Now().Unix(), id, StatusCompleted, StatusCancelled)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "调整到期时间失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	o, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 && o.Status.Terminal() {
		return o, ErrOrderTerminal
	}
	return o, nil
}

// Records 返回订单的执行回执，按时间升序。
func (s *MySQLStore) Records(ctx context.Context, orderID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, order_id, attempted_at, input_amount, output_amount, tx_hash, outcome, reason, rate
        FROM dca_execution_records WHERE order_id = ? ORDER BY attempted_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, orderID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行回执失败")
	}
	defer rows.Close()

	records := make([]*ExecutionRecord, 0, limit)
	for rows.Next() {
		var record ExecutionRecord
		if err := rows.Scan(
			&record.ID, &record.OrderID, &record.AttemptedAt, &record.InputAmount,
			&record.OutputAmount, &record.TxHash, &record.Outcome, &record.Reason, &record.Rate,
		); err != nil {
			logger.L().Error("跳过无法解析的执行回执", slog.Any("error", err))
			continue
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行回执失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的订单聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (OrderStats, error) {
	opts.applyDefaults()
	now := time.Now().Unix()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS active,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS paused,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS insufficient,
        SUM(CASE WHEN status = ? AND next_due_at <= ? THEN 1 ELSE 0 END) AS due_now
        FROM dca_orders`

	args := []any{
		string(StatusActive), string(StatusPaused), string(StatusCompleted),
		string(StatusCancelled), string(StatusInsufficientBalance),
		string(StatusActive), now,
	}
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats OrderStats
	var active, paused, completed, cancelled, insufficient, dueNow sql.NullInt64
	if err := row.Scan(&stats.Total, &active, &paused, &completed, &cancelled, &insufficient, &dueNow); err != nil {
		return OrderStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单统计失败")
	}
	stats.Active = int(active.Int64)
	stats.Paused = int(paused.Int64)
	stats.Completed = int(completed.Int64)
	stats.Cancelled = int(cancelled.Int64)
	stats.InsufficientBalance = int(insufficient.Int64)
	stats.DueNow = int(dueNow.Int64)
	return stats, nil
}

// DB 暴露底层连接，供共用同一数据库的其他存储复用。
func (s *MySQLStore) DB() *sql.DB {
	return s.db
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	if err := row.Scan(
		&o.ID, &o.UserAddress, &o.DestinationAddress, &o.AccountAddress, &o.InputToken, &o.OutputToken,
		&o.TotalAmount, &o.PerOccurrenceAmount, &o.Cadence, &o.PlannedOccurrences, &o.Status, &o.OccurrencesExecuted,
		&o.ConsumedAmount, &o.RemainingAmount, &o.ConsecutiveFailures, &o.CredentialRef, &o.MinRate, &o.MaxRate,
		&o.CreatedAt, &o.UpdatedAt, &o.LastExecutedAt, &o.NextDueAt, &o.ExpiresAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeOrderCorrupted, err, "解析订单记录失败")
	}
	return &o, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, record *ExecutionRecord) error {
	const stmt = `INSERT INTO dca_execution_records
        (id, order_id, attempted_at, input_amount, output_amount, tx_hash, outcome, reason, rate)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		record.ID, record.OrderID, record.AttemptedAt, record.InputAmount,
		record.OutputAmount, record.TxHash, record.Outcome, record.Reason, record.Rate,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加执行回执失败")
	}
	return nil
}

func (s *MySQLStore) executionRefs(ctx context.Context, orderID string) ([]string, error) {
	const query = `SELECT tx_hash FROM dca_execution_records
        WHERE order_id = ? AND outcome = ? AND tx_hash <> '' ORDER BY attempted_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orderID, OutcomeCompleted)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易引用失败")
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易引用失败")
		}
		refs = append(refs, hash)
	}
	return refs, rows.Err()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UserAddress != "" {
		conditions = append(conditions, "user_address = ?")
		args = append(args, opts.UserAddress)
	}
	if opts.DueBefore > 0 {
		conditions = append(conditions, "next_due_at <= ?")
		args = append(args, opts.DueBefore)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
