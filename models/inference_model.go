package models

import "time"

const (
	DefaultModel       = "meta-llama/Llama-3.1-8B-Instruct"
	DefaultMaxTokens   = 50
	DefaultTemperature = 0.2
)

// InferenceRequest is the normalized payload forwarded to the compute backend.
type InferenceRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

// ApplyDefaults fills unset fields so the backend always receives a complete
// parameter set.
func (r *InferenceRequest) ApplyDefaults() {
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature <= 0 {
		r.Temperature = DefaultTemperature
	}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// InferenceResponse is the backend's single-shot reply. Streamed chunks share
// the same shape with partial choices and no usage until the final chunk.
type InferenceResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// UsageRecord is one immutable accounting fact, written once per completed
// request and never mutated.
type UsageRecord struct {
	UserID           string    `db:"user_id" json:"user_id"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	Spending         string    `db:"spending" json:"spending"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type ModelUsage struct {
	Model         string `json:"model"`
	TotalTokens   int64  `json:"total_tokens"`
	TotalSpending string `json:"total_spending"`
}
