package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

// Constants for dispatcher configuration
const (
	// DefaultPollInterval is the pause between delivery cycles. It doubles as
	// a crude rate limit toward the gateway.
	DefaultPollInterval = 2 * time.Second
	// DefaultStaleClaimAge is how old a claim must be before startup recovery
	// releases it back to the queue.
	DefaultStaleClaimAge = 5 * time.Minute
)

// Dispatcher drains the outbound queue through a messaging Service. One job is
// claimed per cycle; delivery failures increment the attempt counter and the
// job becomes claimable again until it reaches the cap.
type Dispatcher struct {
	store    store.Store
	svc      Service
	interval time.Duration
	staleAge time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval overrides the pause between delivery cycles.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.interval = d
	}
}

// WithStaleClaimAge overrides the claim age used for startup recovery.
func WithStaleClaimAge(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.staleAge = d
	}
}

// NewDispatcher creates a Dispatcher over the given store and gateway service.
func NewDispatcher(st store.Store, svc Service, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		svc:      svc,
		interval: DefaultPollInterval,
		staleAge: DefaultStaleClaimAge,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes delivery cycles until the context is cancelled. Claims left
// over from a previous crash are released before the first cycle.
func (d *Dispatcher) Run(ctx context.Context) {
	released, err := d.store.ReleaseStaleClaims(time.Now().Add(-d.staleAge))
	if err != nil {
		slog.Error("Dispatcher.Run: failed to release stale claims", "error", err)
	} else if released > 0 {
		slog.Info("Dispatcher.Run: released stale claims", "count", released)
	}

	slog.Info("Dispatcher.Run: delivery loop started", "interval", d.interval)
	for {
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: delivery loop stopping", "reason", ctx.Err())
			return
		case <-time.After(d.interval):
		}
	}
}

// dispatchOnce claims and delivers at most one job.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	job, err := d.store.ClaimNextJob()
	if err != nil {
		slog.Error("Dispatcher.dispatchOnce: claim failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	if err := d.deliver(ctx, job); err != nil {
		slog.Warn("Dispatcher.dispatchOnce: delivery failed", "error", err, "job_id", job.ID, "recipient", job.Recipient, "attempts", job.Attempts+1)
		if failErr := d.store.FailJob(job.ID); failErr != nil {
			slog.Error("Dispatcher.dispatchOnce: failed to record delivery failure", "error", failErr, "job_id", job.ID)
		}
		return
	}

	if err := d.store.DeleteJob(job.ID); err != nil {
		slog.Error("Dispatcher.dispatchOnce: failed to delete delivered job", "error", err, "job_id", job.ID)
		return
	}
	slog.Debug("Dispatcher.dispatchOnce: job delivered", "job_id", job.ID, "recipient", job.Recipient)
}

// deliver sends one job through the gateway, choosing the document path when
// the job carries media.
func (d *Dispatcher) deliver(ctx context.Context, job *models.OutboundJob) error {
	to, err := d.svc.ValidateAndCanonicalizeRecipient(job.Recipient)
	if err != nil {
		return err
	}
	if job.HasMedia() {
		return d.svc.SendDocument(ctx, to, job.Text, job.Media, job.Filename)
	}
	return d.svc.SendMessage(ctx, to, job.Text)
}
