package order

// OrderStats 聚合了订单状态的统计信息，常用于仪表盘或健康检查。
type OrderStats struct {
	Total               int `json:"total"`
	Active              int `json:"active"`
	Paused              int `json:"paused"`
	Completed           int `json:"completed"`
	Cancelled           int `json:"cancelled"`
	InsufficientBalance int `json:"insufficient_balance"`
	DueNow              int `json:"due_now"`
}
