package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/korarent/internal/metrics"
	"github.com/mbd888/korarent/internal/registry"
	"github.com/mbd888/korarent/internal/reports"
	"github.com/mbd888/korarent/internal/status"
	"github.com/mbd888/korarent/internal/tracker"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type, including queue overflow.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// DefaultQueueSize bounds events waiting for delivery.
const DefaultQueueSize = 256

// Emitter turns tracker events into webhook deliveries. Emit methods only
// enqueue; Run delivers in order on its own goroutine.
type Emitter struct {
	d        *Dispatcher
	operator string
	queue    chan *Event
	logger   *slog.Logger
	now      func() time.Time
}

var _ tracker.Emitter = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, operator string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		d:        d,
		operator: operator,
		queue:    make(chan *Event, DefaultQueueSize),
		logger:   logger,
		now:      time.Now,
	}
}

// Run delivers queued events until ctx is done.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.deliver(ctx, ev)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, ev *Event) {
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(dctx, ev); err != nil {
		webhookEmitErrors.WithLabelValues(string(ev.Type)).Inc()
		e.logger.Warn("webhook emit failed", "event", ev.Type, "id", ev.ID, "error", err)
	}
}

func (e *Emitter) emit(eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	ev := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: e.now(),
		Operator:  e.operator,
		Data:      data,
	}
	select {
	case e.queue <- ev:
	default:
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook queue full, event dropped", "event", eventType)
	}
}

// EmitAccountDiscovered emits an account.discovered event.
func (e *Emitter) EmitAccountDiscovered(acct registry.TrackedAccount) {
	e.emit(EventAccountDiscovered, map[string]any{
		"address":    acct.Address,
		"kind":       acct.Kind.String(),
		"rentAmount": acct.RentAmount,
		"creationTx": acct.CreationTx,
		"confidence": acct.Confidence.String(),
	})
}

// EmitStatusChanged emits an account.status_changed event when the status
// actually moved.
func (e *Emitter) EmitStatusChanged(change status.Change) {
	if !change.Changed() {
		return
	}
	e.emit(EventStatusChanged, map[string]any{
		"address":   change.Address,
		"previous":  change.Previous.String(),
		"current":   change.Current.String(),
		"checkedAt": change.CheckedAt,
	})
}

// EmitReclaimOutcome emits reclaim.confirmed or reclaim.failed for live
// runs. Dry-run and skipped outcomes are not delivered.
func (e *Emitter) EmitReclaimOutcome(runID string, dryRun bool, o reports.AccountOutcome) {
	if dryRun {
		return
	}
	var t EventType
	switch o.Status {
	case reports.OutcomeConfirmed:
		t = EventReclaimConfirmed
	case reports.OutcomeFailed:
		t = EventReclaimFailed
	default:
		return
	}
	data := map[string]any{
		"runId":    runID,
		"address":  o.Address,
		"kind":     o.Kind.String(),
		"lamports": o.Lamports,
	}
	if o.Signature != "" {
		data["signature"] = o.Signature
	}
	if o.Reason != "" {
		data["reason"] = o.Reason
	}
	e.emit(t, data)
}

// EmitRunCompleted emits a run.completed event.
func (e *Emitter) EmitRunCompleted(run string, result any) {
	e.emit(EventRunCompleted, map[string]any{
		"run":    run,
		"result": result,
	})
}
