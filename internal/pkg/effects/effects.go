package effects

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/app/repository"
)

// Result is the explicit outcome of applying an event's business effect.
// Retry policy is decided from ShouldRetry alone.
type Result struct {
	Success     bool
	ShouldRetry bool
	Error       string
}

func ok() Result { return Result{Success: true} }

func retryable(format string, args ...interface{}) Result {
	return Result{ShouldRetry: true, Error: fmt.Sprintf(format, args...)}
}

func permanent(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Handler applies the business effect of a verified event.
type Handler interface {
	Handle(ctx context.Context, event *models.WebhookEvent) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *models.WebhookEvent) Result

func (f HandlerFunc) Handle(ctx context.Context, event *models.WebhookEvent) Result {
	return f(ctx, event)
}

// Registry maps provider names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry wires the ledger-backed handlers for every known provider.
func NewDefaultRegistry(ledger repository.LedgerRepository) *Registry {
	r := NewRegistry()
	r.Register(models.ProviderPaymentProcessor, NewPaymentHandler(ledger))
	r.Register(models.ProviderFraudDetector, NewFraudHandler(ledger))
	r.Register(models.ProviderBusinessVerification, NewVerificationHandler(ledger))
	return r
}

func (r *Registry) Register(provider string, h Handler) {
	r.handlers[provider] = h
}

// Dispatch runs the handler registered for the event's provider. A handler
// panic is reported as a retryable failure.
func (r *Registry) Dispatch(ctx context.Context, event *models.WebhookEvent) (res Result) {
	h, found := r.handlers[event.Provider]
	if !found {
		return permanent("no handler registered for provider %s", event.Provider)
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = retryable("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, event)
}
