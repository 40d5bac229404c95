package order

import (
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"
)

// Status 表示定投订单在生命周期中的状态。
type Status string

const (
	StatusActive              Status = "active"
	StatusPaused              Status = "paused"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusInsufficientBalance Status = "insufficient_balance"
)

// Cadence 表示两次执行之间的固定间隔。
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// FailureReason 枚举了一次执行失败的结构化原因。
type FailureReason string

const (
	// ReasonQuoteRejected：报价通过了获取但被策略校验拒绝（滑点、限价、数据非法）。
	ReasonQuoteRejected FailureReason = "quote_rejected"
	// ReasonQuoteUnavailable：上游聚合器暂时给不出报价，与安全拒绝无关。
	ReasonQuoteUnavailable FailureReason = "quote_unavailable"
	ReasonSubmissionFailed FailureReason = "submission_failed"
	ReasonTimeout          FailureReason = "timeout"
)

// Order 描述一个由会话密钥委托驱动的定投计划。
// 所有金额均为十进制字符串，运算时解析为 big.Int，避免精度丢失。
type Order struct {
	ID                  string   `json:"id"`
	UserAddress         string   `json:"user_address"`
	DestinationAddress  string   `json:"destination_address"`
	AccountAddress      string   `json:"account_address"`
	InputToken          string   `json:"input_token"`
	OutputToken         string   `json:"output_token"`
	TotalAmount         string   `json:"total_amount"`
	PerOccurrenceAmount string   `json:"per_occurrence_amount"`
	Cadence             Cadence  `json:"cadence"`
	PlannedOccurrences  int      `json:"planned_occurrences"`
	Status              Status   `json:"status"`
	OccurrencesExecuted int      `json:"occurrences_executed"`
	ConsumedAmount      string   `json:"consumed_amount"`
	RemainingAmount     string   `json:"remaining_amount"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	CredentialRef       string   `json:"credential_ref"`
	MinRate             string   `json:"min_rate,omitempty"`
	MaxRate             string   `json:"max_rate,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	UpdatedAt           int64    `json:"updated_at"`
	LastExecutedAt      int64    `json:"last_executed_at,omitempty"`
	NextDueAt           int64    `json:"next_due_at"`
	ExpiresAt           int64    `json:"expires_at,omitempty"`
	ExecutionRefs       []string `json:"execution_refs,omitempty"`
}

var (
	// ErrOrderNotFound 表示指定订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "order not found")
	// ErrOrderConflict 表示订单在当前状态下无法进行所请求的操作。
	ErrOrderConflict = xerrors.New(CodeOrderConflict, "order conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOrderTerminal 表示订单已处于终态，禁止继续变更。
	ErrOrderTerminal = xerrors.New(CodeOrderTerminal, "order already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrLeaseHeld 表示订单的执行租约被其他调用方持有。
	ErrLeaseHeld = xerrors.New(CodeOrderLeaseHeld, "execution lease held", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrOrderCorrupted 表示持久化记录无法解析，需要隔离处理。
	ErrOrderCorrupted = xerrors.New(CodeOrderCorrupted, "order record corrupted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeOrderNotFound   xerrors.Code = "ORDER_NOT_FOUND"
	CodeOrderConflict   xerrors.Code = "ORDER_CONFLICT"
	CodeOrderTerminal   xerrors.Code = "ORDER_TERMINAL"
	CodeOrderLeaseHeld  xerrors.Code = "ORDER_LEASE_HELD"
	CodeOrderValidation xerrors.Code = "ORDER_VALIDATION_FAILED"
	CodeOrderCorrupted  xerrors.Code = "ORDER_CORRUPTED"
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderConflict, xerrors.Attributes{
		Message:   "order conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderTerminal, xerrors.Attributes{
		Message:   "order already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderLeaseHeld, xerrors.Attributes{
		Message:   "execution lease held by another invocation",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderValidation, xerrors.Attributes{
		Message:   "order validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderCorrupted, xerrors.Attributes{
		Message:   "order record corrupted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusInsufficientBalance:
		return true
	default:
		return false
	}
}

// IsValidCadence 检查给定周期是否为支持的枚举值。
func IsValidCadence(cadence Cadence) bool {
	switch cadence {
	case CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。终态订单只读，不再参与调度。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition 实现订单状态机的迁移表。
// active ⇄ paused 可往返，其余迁移单向，终态为吸收态。
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusActive:
		switch to {
		case StatusPaused, StatusCompleted, StatusCancelled, StatusInsufficientBalance:
			return true
		}
	case StatusPaused:
		switch to {
		case StatusActive, StatusCancelled:
			return true
		}
	case StatusInsufficientBalance:
		switch to {
		case StatusActive, StatusCancelled:
			return true
		}
	}
	return false
}

// Interval 返回周期对应的时间间隔。月按 30 天折算。
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// NextAfter 返回基准时间之后的下一个到期时间戳。
func (c Cadence) NextAfter(ts int64) int64 {
	return ts + int64(c.Interval()/time.Second)
}

// Validate 校验订单的静态不变量。任何写入路径都应先经过它。
func (o *Order) Validate() error {
	if o == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(o.ID) == "" {
		return xerrors.New(CodeOrderValidation, "订单 ID 不能为空")
	}
	if strings.TrimSpace(o.UserAddress) == "" {
		return xerrors.New(CodeOrderValidation, "订单缺少用户地址")
	}
	if strings.TrimSpace(o.CredentialRef) == "" {
		return xerrors.New(CodeOrderValidation, "订单缺少委托凭证引用")
	}
	if !IsValidStatus(o.Status) {
		return xerrors.New(CodeOrderValidation, "不支持的订单状态: "+string(o.Status))
	}
	if !IsValidCadence(o.Cadence) {
		return xerrors.New(CodeOrderValidation, "不支持的定投周期: "+string(o.Cadence))
	}
	if o.PlannedOccurrences <= 0 {
		return xerrors.New(CodeOrderValidation, "计划执行次数必须为正")
	}
	if o.OccurrencesExecuted < 0 || o.OccurrencesExecuted > o.PlannedOccurrences {
		return xerrors.New(CodeOrderValidation, "已执行次数超出计划范围")
	}

	total, err := ParseAmount(o.TotalAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderValidation, err, "总金额非法")
	}
	if total.Sign() <= 0 {
		return xerrors.New(CodeOrderValidation, "总金额必须为正")
	}
	consumed, err := ParseAmount(o.ConsumedAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderValidation, err, "已消耗金额非法")
	}
	remaining, err := ParseAmount(o.RemainingAmount)
	if err != nil {
		return xerrors.Wrap(CodeOrderValidation, err, "剩余金额非法")
	}
	if consumed.Sign() < 0 || remaining.Sign() < 0 {
		return xerrors.New(CodeOrderValidation, "金额不能为负")
	}

	// 守恒不变量：consumed + remaining == total。
	sum := new(big.Int).Add(consumed, remaining)
	if sum.Cmp(total) != 0 {
		return xerrors.New(CodeOrderValidation, "金额守恒校验失败")
	}
	return nil
}

// PerOccurrence 返回下一次执行应当消耗的输入金额。
// 当剩余金额不足一个标准份额时，按剩余金额收尾。
func (o *Order) PerOccurrence() (*big.Int, error) {
	per, err := ParseAmount(o.PerOccurrenceAmount)
	if err != nil {
		return nil, xerrors.Wrap(CodeOrderValidation, err, "单次金额非法")
	}
	remaining, err := ParseAmount(o.RemainingAmount)
	if err != nil {
		return nil, xerrors.Wrap(CodeOrderValidation, err, "剩余金额非法")
	}
	if remaining.Cmp(per) < 0 {
		return remaining, nil
	}
	return per, nil
}

// Due 判断订单在给定时刻是否到期可执行。
func (o *Order) Due(now int64) bool {
	if o == nil || o.Status != StatusActive {
		return false
	}
	if o.NextDueAt > now {
		return false
	}
	if o.ExpiresAt > 0 && o.ExpiresAt <= now {
		return false
	}
	remaining, err := ParseAmount(o.RemainingAmount)
	if err != nil {
		return false
	}
	return remaining.Sign() > 0 && o.OccurrencesExecuted < o.PlannedOccurrences
}

// Expired 判断订单是否超过有效期。
func (o *Order) Expired(now int64) bool {
	return o != nil && o.ExpiresAt > 0 && o.ExpiresAt <= now
}

// Clone 返回订单的深拷贝。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.ExecutionRefs = append([]string(nil), o.ExecutionRefs...)
	return &clone
}

// ParseAmount 将十进制字符串解析为 big.Int。空串视为零。
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, stdErrors.New("非法的十进制金额: " + raw)
	}
	return value, nil
}

// FormatAmount 将 big.Int 序列化为十进制字符串。
func FormatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// SplitAmount 计算单次投入金额：total ÷ occurrences，向上取整，
// 保证计划次数内一定能消耗完全部预算。
func SplitAmount(total *big.Int, occurrences int) *big.Int {
	if total == nil || occurrences <= 0 {
		return new(big.Int)
	}
	n := big.NewInt(int64(occurrences))
	quot, rem := new(big.Int).QuoRem(total, n, new(big.Int))
	if rem.Sign() > 0 {
		quot.Add(quot, big.NewInt(1))
	}
	return quot
}
