package order

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "ChainDCA/internal/errors"
	"ChainDCA/pkg/logger"

	"github.com/google/uuid"
)

// CreateParams 描述创建定投订单所需的全部输入。
type CreateParams struct {
	UserAddress        string  `json:"user_address"`
	DestinationAddress string  `json:"destination_address"`
	AccountAddress     string  `json:"account_address"`
	InputToken         string  `json:"input_token"`
	OutputToken        string  `json:"output_token"`
	TotalAmount        string  `json:"total_amount"`
	Occurrences        int     `json:"occurrences"`
	Cadence            Cadence `json:"cadence"`
	CredentialRef      string  `json:"credential_ref"`
	MinRate            string  `json:"min_rate,omitempty"`
	MaxRate            string  `json:"max_rate,omitempty"`
	StartAt            int64   `json:"start_at,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
}

// Service 封装面向用户的订单生命周期操作。
// 执行路径（报价、签名、提交）不经过这里，见 schedule 包。
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService 创建订单服务。
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("order"),
	}
}

// Create 校验输入、计算单次份额并持久化新订单。
func (s *Service) Create(ctx context.Context, params CreateParams) (*Order, error) {
	if strings.TrimSpace(params.UserAddress) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户地址")
	}
	if strings.TrimSpace(params.InputToken) == "" || strings.TrimSpace(params.OutputToken) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易代币地址")
	}
	if strings.EqualFold(params.InputToken, params.OutputToken) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入与输出代币不能相同")
	}
	if strings.TrimSpace(params.CredentialRef) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少委托凭证引用")
	}
	if params.Occurrences <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行次数必须为正")
	}
	if !IsValidCadence(params.Cadence) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的定投周期: "+string(params.Cadence))
	}

	total, err := ParseAmount(params.TotalAmount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "总金额非法")
	}
	if total.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "总金额必须为正")
	}

	now := time.Now().Unix()
	startAt := params.StartAt
	if startAt <= 0 {
		startAt = now
	}
	if params.ExpiresAt > 0 && params.ExpiresAt <= startAt {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "有效期必须晚于起始时间")
	}

	destination := params.DestinationAddress
	if strings.TrimSpace(destination) == "" {
		destination = params.UserAddress
	}

	o := &Order{
		ID:                  uuid.NewString(),
		UserAddress:         params.UserAddress,
		DestinationAddress:  destination,
		AccountAddress:      params.AccountAddress,
		InputToken:          params.InputToken,
		OutputToken:         params.OutputToken,
		TotalAmount:         FormatAmount(total),
		PerOccurrenceAmount: FormatAmount(SplitAmount(total, params.Occurrences)),
		Cadence:             params.Cadence,
		PlannedOccurrences:  params.Occurrences,
		Status:              StatusActive,
		ConsumedAmount:      "0",
		RemainingAmount:     FormatAmount(total),
		CredentialRef:       params.CredentialRef,
		MinRate:             params.MinRate,
		MaxRate:             params.MaxRate,
		CreatedAt:           now,
		UpdatedAt:           now,
		NextDueAt:           startAt,
		ExpiresAt:           params.ExpiresAt,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	s.logger.Info("定投订单已创建",
		slog.String("order_id", o.ID),
		slog.String("user", o.UserAddress),
		slog.String("cadence", string(o.Cadence)),
		slog.Int("occurrences", o.PlannedOccurrences),
	)
	logger.Audit().Info("order_created",
		slog.String("order_id", o.ID),
		slog.String("user", o.UserAddress),
		slog.String("total_amount", o.TotalAmount),
	)
	return o, nil
}

// Get 查询单个订单。
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	return s.store.Get(ctx, id)
}

// List 按过滤条件查询订单。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Order, error) {
	return s.store.List(ctx, buildListOptions(opts))
}

// Pause 暂停活跃订单。暂停不影响已落账的金额。
func (s *Service) Pause(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.SetStatus(ctx, id, []Status{StatusActive}, StatusPaused)
	if err != nil {
		return o, err
	}
	logger.Audit().Info("order_paused", slog.String("order_id", id))
	return o, nil
}

// Resume 恢复被暂停或余额不足的订单，同时清零连续失败计数。
func (s *Service) Resume(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.SetStatus(ctx, id, []Status{StatusPaused, StatusInsufficientBalance}, StatusActive)
	if err != nil {
		return o, err
	}
	logger.Audit().Info("order_resumed", slog.String("order_id", id))
	return o, nil
}

// Cancel 取消订单。取消是终态，在途执行仍可补记最后一笔账。
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.SetStatus(ctx, id, nil, StatusCancelled)
	if err != nil {
		return o, err
	}
	logger.Audit().Info("order_cancelled", slog.String("order_id", id))
	return o, nil
}

// Reschedule 调整订单的下一次到期时间。
func (s *Service) Reschedule(ctx context.Context, id string, nextDueAt int64) (*Order, error) {
	if nextDueAt <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "到期时间必须为正")
	}
	o, err := s.store.Reschedule(ctx, id, nextDueAt)
	if err != nil {
		return o, err
	}
	logger.Audit().Info("order_rescheduled",
		slog.String("order_id", id),
		slog.Int64("next_due_at", nextDueAt),
	)
	return o, nil
}

// History 返回订单的执行回执历史。
func (s *Service) History(ctx context.Context, id string, limit int) ([]*ExecutionRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Records(ctx, id, limit)
}

// Stats 返回订单聚合统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (OrderStats, error) {
	return s.store.Stats(ctx, buildListOptions(opts))
}
