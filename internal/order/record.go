package order

import (
	"math/big"
	"strings"
)

// Outcome 表示一次执行回执的结果。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ExecutionRecord 是一次执行尝试的不可变回执，按时间追加，永不修改。
type ExecutionRecord struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"order_id"`
	AttemptedAt  int64         `json:"attempted_at"`
	InputAmount  string        `json:"input_amount"`
	OutputAmount string        `json:"output_amount"`
	TxHash       string        `json:"tx_hash,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	Reason       FailureReason `json:"reason,omitempty"`
	Rate         string        `json:"rate,omitempty"`
}

// RealizedRate 根据输入输出金额推导成交比率（output/input），
// 以定点十进制字符串返回，保留 18 位小数。失败回执返回空串。
func RealizedRate(input, output *big.Int) string {
	if input == nil || output == nil || input.Sign() <= 0 || output.Sign() <= 0 {
		return ""
	}
	rate := new(big.Rat).SetFrac(output, input)
	return strings.TrimRight(strings.TrimRight(rate.FloatString(18), "0"), ".")
}
