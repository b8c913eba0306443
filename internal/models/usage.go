package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// UsageRecord is one completed outbound call. Rows are append-only.
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID        string    `gorm:"size:36;index;default:''" json:"request_id,omitzero"`
	Provider         string    `gorm:"size:50;index;default:''" json:"provider"`
	Model            string    `gorm:"size:100;default:''" json:"model"`
	Endpoint         string    `gorm:"size:100;default:''" json:"endpoint"`
	OperationType    string    `gorm:"size:50;index;default:''" json:"operation_type"`
	PromptTokens     int       `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"default:0" json:"total_tokens"`
	CostUSD          float64   `gorm:"default:0" json:"cost_usd"`
	InputCostUSD     *float64  `json:"input_cost_usd,omitempty"`
	OutputCostUSD    *float64  `json:"output_cost_usd,omitempty"`
	LatencyMs        int       `gorm:"default:0" json:"latency_ms"`
	CacheHit         bool      `gorm:"default:false" json:"cache_hit"`
	UserID           *string   `gorm:"size:255;index" json:"user_id,omitempty"`
	Success          bool      `gorm:"default:true;index" json:"success"`
	ErrorMessage     *string   `gorm:"type:text" json:"error_message,omitempty"`
	Metadata         Metadata  `json:"metadata,omitempty"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "llm_usage_records"
}

// LogAPICallParams describes a completed call reported by the caller.
type LogAPICallParams struct {
	RequestID        string
	Provider         string
	Model            string
	Endpoint         string
	OperationType    string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int
	CacheHit         bool
	UserID           string
	Success          bool
	ErrorMessage     string
	Metadata         Metadata
}

type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = make(Metadata)
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Metadata: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

func (Metadata) GormDataType() string {
	return "json"
}

func (Metadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	case "clickhouse":
		return "String"
	default:
		return "TEXT"
	}
}

// UsageStats is a summary over a set of usage records.
type UsageStats struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalCost       float64 `json:"total_cost_usd"`
	TotalTokens     int64   `json:"total_tokens"`
	SuccessRequests int64   `json:"success_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	CacheHits       int64   `json:"cache_hits"`
}

// GroupStats is UsageStats for one provider or operation type.
type GroupStats struct {
	Key string `gorm:"column:group_key" json:"key"`
	UsageStats
}

// RealTimeMetrics is the cached 24-hour dashboard view.
type RealTimeMetrics struct {
	WindowStart     time.Time    `json:"window_start"`
	WindowEnd       time.Time    `json:"window_end"`
	Totals          UsageStats   `json:"totals"`
	ByProvider      []GroupStats `json:"by_provider"`
	ByOperationType []GroupStats `json:"by_operation_type"`
	GeneratedAt     time.Time    `json:"generated_at"`
}

// AggregateInterval is a bucket width for GetAggregates.
type AggregateInterval string

const (
	IntervalMinute AggregateInterval = "minute"
	IntervalHour   AggregateInterval = "hour"
	IntervalDay    AggregateInterval = "day"
	IntervalWeek   AggregateInterval = "week"
	IntervalMonth  AggregateInterval = "month"
)

// Valid reports whether i is a supported interval.
func (i AggregateInterval) Valid() bool {
	switch i {
	case IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return true
	}
	return false
}

// UsageByPeriod is one bucket of GetAggregates.
type UsageByPeriod struct {
	Period      string     `json:"period"`
	PeriodStart time.Time  `json:"period_start"`
	Stats       UsageStats `json:"stats"`
}

// LatencyPercentiles are nearest-rank latency percentiles in milliseconds.
type LatencyPercentiles struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// UsageQuery narrows a read-side aggregate query.
type UsageQuery struct {
	Start    time.Time
	End      time.Time
	Provider string
}
