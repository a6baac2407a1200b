package jobqueue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookRetry JobType = "webhook_retry"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	NextRunAt   *time.Time             `json:"next_run_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Priority    bool                   `json:"priority,omitempty"`
}

// WebhookRetryJobPayload identifies the stored event a retry job re-applies
type WebhookRetryJobPayload struct {
	EventID        string `json:"event_id"`
	DedupeKey      string `json:"dedupe_key"`
	OrganizationID string `json:"organization_id"`
}

// ToMap converts the payload to a map for storage
func (p WebhookRetryJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id":        p.EventID,
		"dedupe_key":      p.DedupeKey,
		"organization_id": p.OrganizationID,
	}
}

// WebhookRetryJobPayloadFromMap creates a payload from a map
func WebhookRetryJobPayloadFromMap(data map[string]interface{}) (*WebhookRetryJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload WebhookRetryJobPayload
	if err := json.Unmarshal(jsonData, &payload); err != nil {
		return nil, err
	}
	if payload.EventID == "" {
		return nil, fmt.Errorf("retry payload has no event_id")
	}
	return &payload, nil
}

// RetryJobID is the queue key for an event. Dedupe keys are unique per
// organization, so the organization is part of the key.
func RetryJobID(organizationID, dedupeKey string) string {
	return organizationID + "/" + dedupeKey
}

// DeadLetter is an event whose retry budget is exhausted.
type DeadLetter struct {
	JobID          string    `json:"jobId"`
	EventID        string    `json:"eventId"`
	DedupeKey      string    `json:"dedupeKey"`
	OrganizationID string    `json:"organizationId"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError"`
	FailedAt       time.Time `json:"failedAt"`
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying(next time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.NextRunAt = &next
}

// MarkAsDead marks a job whose retries are exhausted
func (j *Job) MarkAsDead() {
	j.Status = JobStatusDead
	j.UpdatedAt = time.Now()
}
