package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/payhook/app/models"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 25
	maxListLimit     = 200
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a webhook event repository backed by GORM.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) GetByDedupeKey(ctx context.Context, organizationID, dedupeKey string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND dedupe_key = ?", organizationID, dedupeKey).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil && isDuplicateKey(err) {
		return gorm.ErrDuplicatedKey
	}
	return err
}

func (r *webhookEventRepository) SaveOutcome(ctx context.Context, id string, outcome EventOutcome) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed":           outcome.Processed,
		"processing_attempts": outcome.Attempts,
		"failure_reason":      outcome.FailureReason,
		"last_attempt_at":     &now,
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// RecordAttempt increments processing_attempts in the store and returns the
// new value, so attempt counters survive restarts and scale-out.
func (r *webhookEventRepository) RecordAttempt(ctx context.Context, id string, processed bool, failureReason *string) (int, error) {
	var attempts int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
			"processing_attempts": gorm.Expr("processing_attempts + 1"),
			"processed":           processed,
			"failure_reason":      failureReason,
			"last_attempt_at":     &now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.WebhookEvent{}).Select("processing_attempts").Where("id = ?", id).Scan(&attempts).Error
	})
	return attempts, err
}

func (r *webhookEventRepository) ResetForReplay(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processed":           false,
		"processing_attempts": 0,
		"failure_reason":      nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *webhookEventRepository) List(ctx context.Context, filter EventFilter) (*EventPage, error) {
	if strings.TrimSpace(filter.OrganizationID) == "" {
		return nil, errors.New("organization_id is required")
	}
	limit := clampLimit(filter.Limit)

	q := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("organization_id = ?", filter.OrganizationID)
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.Processed != nil {
		q = q.Where("processed = ?", *filter.Processed)
	}
	if filter.Verified != nil {
		q = q.Where("verified = ?", *filter.Verified)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}

	if filter.Cursor != "" {
		createdAt, id, err := decodeEventCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	} else if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var events []models.WebhookEvent
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit + 1).Find(&events).Error; err != nil {
		return nil, err
	}

	page := &EventPage{Total: total}
	if len(events) > limit {
		events = events[:limit]
		page.NextCursor = encodeEventCursor(events[len(events)-1])
	}
	page.Events = events
	return page, nil
}

func encodeEventCursor(e models.WebhookEvent) string {
	raw := fmt.Sprintf("%s|%s", e.CreatedAt.UTC().Format(time.RFC3339Nano), e.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeEventCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return ts, parts[1], nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// isDuplicateKey covers drivers or configs where TranslateError is not active.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "error 1062")
}
