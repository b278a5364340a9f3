package store

import "time"

// ============================================================
// Domain lifecycle
// ============================================================

// DomainStatus represents the lifecycle state of a domain row
type DomainStatus string

const (
	DomainStatusPending    DomainStatus = "pending"
	DomainStatusProcessing DomainStatus = "processing"
	DomainStatusCompleted  DomainStatus = "completed"
	DomainStatusFailed     DomainStatus = "failed"
	DomainStatusError      DomainStatus = "error"
)

// Valid reports whether s is one of the enumerated lifecycle states
func (s DomainStatus) Valid() bool {
	switch s {
	case DomainStatusPending, DomainStatusProcessing, DomainStatusCompleted,
		DomainStatusFailed, DomainStatusError:
		return true
	}
	return false
}

// Domain represents a crawl target
// Invariants: hostname unique; counters monotonic non-negative; updated_at >= created_at
type Domain struct {
	ID       uint         `gorm:"primaryKey" json:"id"`
	Domain   string       `gorm:"size:255;not null;uniqueIndex" json:"domain"`
	Status   DomainStatus `gorm:"size:20;not null;default:pending;index:idx_priority_status,priority:2;index:idx_cohort_status,priority:2" json:"status"`
	Priority int          `gorm:"not null;default:0;index:idx_priority_status,priority:1,sort:desc" json:"priority"`
	Cohort   string       `gorm:"size:100;not null;default:legacy;index:idx_cohort_status,priority:1" json:"cohort"`

	ProcessCount int `gorm:"not null;default:0" json:"process_count"`
	ErrorCount   int `gorm:"not null;default:0" json:"error_count"`

	// LastError holds the most recent failure or reset audit reason
	LastError string `gorm:"type:text" json:"last_error"`

	CreatedAt       time.Time  `gorm:"index:idx_priority_status,priority:3" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastProcessedAt *time.Time `json:"last_processed_at"`
}

func (Domain) TableName() string {
	return "domains"
}

// ============================================================
// Responses (append-only)
// ============================================================

// Response represents one raw provider reply for a domain
// The tuple (domain_id, model, prompt_type, batch_id) is the natural key
// used for at-least-once writes; rows are never updated or deleted
type Response struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	DomainID   uint   `gorm:"not null;index;uniqueIndex:idx_response_natural,priority:1" json:"domain_id"`
	Model      string `gorm:"size:150;not null;uniqueIndex:idx_response_natural,priority:2" json:"model"`
	PromptType string `gorm:"size:100;not null;uniqueIndex:idx_response_natural,priority:3" json:"prompt_type"`

	// Prompt is the substituted prompt text sent upstream
	Prompt string `gorm:"type:text;not null" json:"prompt"`
	// Response is the raw text reply
	Response string `gorm:"type:text" json:"response"`

	ResponseTimeMs int64  `gorm:"not null;default:0" json:"response_time_ms"`
	BatchID        string `gorm:"size:64;not null;uniqueIndex:idx_response_natural,priority:4" json:"batch_id"`

	CreatedAt time.Time `json:"created_at"`
}

func (Response) TableName() string {
	return "responses"
}

// ModelCount pairs a provider/model composite with a response count
type ModelCount struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

// ResponsePair identifies one cell of a domain's response matrix
type ResponsePair struct {
	Model      string `json:"model"`
	PromptType string `json:"prompt_type"`
}
