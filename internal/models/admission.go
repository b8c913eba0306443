package models

// AdmissionRequest asks whether one outbound call may proceed.
type AdmissionRequest struct {
	UserID          string          `json:"user_id,omitempty"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model,omitempty"`
	Endpoint        string          `json:"endpoint,omitempty"`
	EstimatedTokens *int            `json:"estimated_tokens,omitempty"`
	Strategy        RoutingStrategy `json:"strategy,omitempty"`
}

// Admission is a successful admission decision.
type Admission struct {
	RequestID  string           `json:"request_id"`
	Strategy   RoutingStrategy  `json:"strategy,omitempty"`
	Downgraded bool             `json:"downgraded"`
	RateLimit  *RateLimitResult `json:"rate_limit"`
	Budget     *BudgetStatus    `json:"budget"`
}

// CompletionReport is sent after the outbound call finishes.
type CompletionReport struct {
	RequestID        string   `json:"request_id,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	Endpoint         string   `json:"endpoint,omitempty"`
	OperationType    string   `json:"operation_type,omitempty"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	LatencyMs        int      `json:"latency_ms"`
	CacheHit         bool     `json:"cache_hit"`
	Success          bool     `json:"success"`
	ErrorMessage     string   `json:"error_message,omitempty"`
	Metadata         Metadata `json:"metadata,omitempty"`
}

// LogParams converts the report into usage tracker input.
func (r *CompletionReport) LogParams() LogAPICallParams {
	return LogAPICallParams{
		RequestID:        r.RequestID,
		Provider:         r.Provider,
		Model:            r.Model,
		Endpoint:         r.Endpoint,
		OperationType:    r.OperationType,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		LatencyMs:        r.LatencyMs,
		CacheHit:         r.CacheHit,
		UserID:           r.UserID,
		Success:          r.Success,
		ErrorMessage:     r.ErrorMessage,
		Metadata:         r.Metadata,
	}
}
