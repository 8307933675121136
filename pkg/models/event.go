package models

import "time"

// PipelineEvent 单次操作结束后产生的审计事件
//
// 事件只写入输出端，流水线本身从不回读。
type PipelineEvent struct {
	RunID      string    `json:"run_id"`
	Operation  string    `json:"operation"`
	FinalState string    `json:"final_state"`
	States     []string  `json:"states"`
	Sender     string    `json:"sender,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Value      string    `json:"value,omitempty"`
	Nonce      *uint64   `json:"nonce,omitempty"`
	GasPrice   string    `json:"gas_price,omitempty"`
	GasLimit   uint64    `json:"gas_limit,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	ErrorMsg   string    `json:"error_message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded 操作是否成功完成
func (e *PipelineEvent) Succeeded() bool {
	return e.ErrorCode == "" && e.FinalState == "done"
}

// Duration 操作耗时
func (e *PipelineEvent) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
