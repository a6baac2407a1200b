package audit

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
)

// SecurityEvent describes a rejected inbound notification.
type SecurityEvent struct {
	Kind           string
	Provider       string
	OrganizationID string
	EventID        string
	DedupeKey      string
	Detail         string
}

// ReplayEvent records an operator-initiated replay.
type ReplayEvent struct {
	Actor          string
	OrganizationID string
	EventID        string
	Reason         string
	Source         string
}

// Sink receives audit records. Persistence is owned by the implementation.
type Sink interface {
	RecordSecurityEvent(ctx context.Context, e SecurityEvent)
	RecordReplay(ctx context.Context, e ReplayEvent)
}

// LogSink writes audit records as tagged log lines.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) RecordSecurityEvent(_ context.Context, e SecurityEvent) {
	log.Warnf("[Audit] security kind=%s provider=%s org=%s event=%s dedupe=%s detail=%q",
		e.Kind, e.Provider, e.OrganizationID, e.EventID, e.DedupeKey, e.Detail)
}

func (LogSink) RecordReplay(_ context.Context, e ReplayEvent) {
	log.Infof("[Audit] replay source=%s actor=%s org=%s event=%s reason=%q",
		e.Source, e.Actor, e.OrganizationID, e.EventID, e.Reason)
}
