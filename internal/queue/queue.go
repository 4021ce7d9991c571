// Package queue implements component H: the durable job queue's event
// model and a transactional-outbox event log, grounded on the typed
// command-envelope shape of a Raft log entry but backed by a durable
// Postgres-queued job row instead of a replicated log.
package queue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusstore/tenantcore/internal/obs"
)

// SendOptions are an event's default dispatch parameters.
type SendOptions struct {
	RetryLimit     int
	RetryDelay     time.Duration
	ExpireInHours  int
	SingletonKey   string
	StartAfter     time.Time
	Priority       int
	DeadLetter     string
}

// Event is a named message with a versioned payload.
type Event struct {
	Name       string
	Version    int
	Payload    json.RawMessage
	Options    SendOptions
	AllowSync  bool
}

// Handler executes an event's side effects inline.
type Handler func(ctx context.Context, e Event) error

// Backend is the durable queue's backing store.
type Backend interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueBatch(ctx context.Context, jobs []Job) error
}

// Job is a single queued unit of work derived from an Event.
type Job struct {
	ID         string
	Name       string
	Payload    json.RawMessage
	Options    SendOptions
	EnqueuedAt time.Time
}

// Queue is the component H front end: event send/invoke/batch plus
// tenant-aware enablement checks.
type Queue struct {
	backend  Backend
	handlers map[string]Handler
	enabled  bool
	log      *log.Logger
	metrics  *obs.Collector

	// disabledEvents reports, per tenant, which event names are disabled
	// in multi-tenant mode. Nil means nothing is disabled.
	disabledEvents func(ctx context.Context, tenantID string) (map[string]bool, error)
}

// Options configures a Queue.
type Options struct {
	Backend        Backend
	Enabled        bool
	Metrics        *obs.Collector
	DisabledEvents func(ctx context.Context, tenantID string) (map[string]bool, error)
}

// New builds a Queue with handler registration done via Register.
func New(opts Options) *Queue {
	return &Queue{
		backend:        opts.Backend,
		handlers:       make(map[string]Handler),
		enabled:        opts.Enabled,
		log:            log.New(log.Writer(), "[Queue] ", log.LstdFlags),
		metrics:        opts.Metrics,
		disabledEvents: opts.DisabledEvents,
	}
}

// Register associates name with the handler invoked by Invoke and by the
// backend's eventual dispatch of enqueued jobs.
func (q *Queue) Register(name string, h Handler) { q.handlers[name] = h }

// ShouldSend consults the tenant's disabled-event list in multi-tenant
// mode; events absent from the list are always sendable.
func (q *Queue) ShouldSend(ctx context.Context, tenantID string, e Event) (bool, error) {
	if q.disabledEvents == nil {
		return true, nil
	}
	disabled, err := q.disabledEvents(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return !disabled[e.Name], nil
}

// Send enqueues e via the backend. On enqueue failure it falls back to
// inline execution if the event allows it. If the queue is disabled, the
// event runs inline (AllowSync) or is dropped with a warning.
func (q *Queue) Send(ctx context.Context, e Event) error {
	if !q.enabled {
		if e.AllowSync {
			return q.Invoke(ctx, e)
		}
		q.log.Printf("queue disabled, dropping event %s (allowSync=false)", e.Name)
		return nil
	}

	job := Job{ID: uuid.NewString(), Name: e.Name, Payload: e.Payload, Options: e.Options, EnqueuedAt: time.Now()}
	err := q.backend.Enqueue(ctx, job)
	if q.metrics != nil {
		q.metrics.QueueJobsSent.WithLabelValues(e.Name).Inc()
	}
	if err != nil {
		q.log.Printf("enqueue failed for event %s, falling back to inline execution: %v", e.Name, err)
		if q.metrics != nil {
			q.metrics.QueueJobsFallbackSync.WithLabelValues(e.Name).Inc()
		}
		return q.Invoke(ctx, e)
	}
	return nil
}

// BatchSend enqueues every event as a single multi-insert.
func (q *Queue) BatchSend(ctx context.Context, events []Event) error {
	if !q.enabled {
		for _, e := range events {
			if err := q.Send(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}
	jobs := make([]Job, len(events))
	for i, e := range events {
		jobs[i] = Job{ID: uuid.NewString(), Name: e.Name, Payload: e.Payload, Options: e.Options, EnqueuedAt: time.Now()}
	}
	return q.backend.EnqueueBatch(ctx, jobs)
}

// Invoke executes e's handler inline, bypassing the queue. Not permitted
// for events that declare AllowSync=false.
func (q *Queue) Invoke(ctx context.Context, e Event) error {
	if !e.AllowSync {
		return fmt.Errorf("queue: event %s does not allow synchronous invocation", e.Name)
	}
	h, ok := q.handlers[e.Name]
	if !ok {
		return fmt.Errorf("queue: no handler registered for event %s", e.Name)
	}
	return h(ctx, e)
}

// InvokeOrSend tries Invoke first; on failure it enqueues via Send.
func (q *Queue) InvokeOrSend(ctx context.Context, e Event) error {
	if e.AllowSync {
		if err := q.Invoke(ctx, e); err == nil {
			return nil
		}
	}
	return q.Send(ctx, e)
}

// ComputeEventLogSignature computes the HMAC-SHA256 signature over the
// canonical form event_name "." JSON(payload) "." JSON(send_options|"")
// per spec.md §3.
func ComputeEventLogSignature(key []byte, eventName string, payload json.RawMessage, options *SendOptions) (string, error) {
	canonical, err := canonicalEventLogForm(eventName, payload, options)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEventLogSignature reports whether signature matches the canonical
// form computed from the given fields.
func VerifyEventLogSignature(key []byte, eventName string, payload json.RawMessage, options *SendOptions, signature string) (bool, error) {
	expected, err := ComputeEventLogSignature(key, eventName, payload, options)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

func canonicalEventLogForm(eventName string, payload json.RawMessage, options *SendOptions) ([]byte, error) {
	payloadJSON, err := canonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: canonicalize payload: %w", err)
	}
	optionsJSON := []byte(`""`)
	if options != nil {
		b, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("queue: canonicalize send options: %w", err)
		}
		optionsJSON = b
	}
	return []byte(eventName + "." + string(payloadJSON) + "." + string(optionsJSON)), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// EventLogRow is a pending outbox row.
type EventLogRow struct {
	EventName   string
	Payload     json.RawMessage
	SendOptions *SendOptions
	Signature   string
}

// EventLogDB is the outbox table's persistence backend.
type EventLogDB interface {
	FetchPending(ctx context.Context, limit int) ([]EventLogRow, error)
	Delete(ctx context.Context, row EventLogRow) error
	Park(ctx context.Context, row EventLogRow, reason string) error
}

// Dispatcher reads outbox rows, verifies their signature, enqueues the
// corresponding event to the durable queue, and deletes the row. Rows
// with a bad signature are parked instead of dispatched.
type Dispatcher struct {
	db    EventLogDB
	queue *Queue
	key   []byte
	log   *log.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(db EventLogDB, q *Queue, key []byte) *Dispatcher {
	return &Dispatcher{db: db, queue: q, key: key, log: log.New(log.Writer(), "[EventLogDispatcher] ", log.LstdFlags)}
}

// Backlog reports the approximate number of outbox rows still awaiting
// dispatch, capped at limit, used by obs health checks and the queue
// depth gauge.
func (d *Dispatcher) Backlog(ctx context.Context, limit int) (int, error) {
	rows, err := d.db.FetchPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("event log: fetch pending: %w", err)
	}
	return len(rows), nil
}

// DispatchPending drains up to limit pending outbox rows.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) error {
	rows, err := d.db.FetchPending(ctx, limit)
	if err != nil {
		return fmt.Errorf("event log: fetch pending: %w", err)
	}
	for _, row := range rows {
		ok, err := VerifyEventLogSignature(d.key, row.EventName, row.Payload, row.SendOptions, row.Signature)
		if err != nil || !ok {
			d.log.Printf("event log row %s failed signature verification, parking", row.EventName)
			if parkErr := d.db.Park(ctx, row, "signature verification failed"); parkErr != nil {
				return parkErr
			}
			continue
		}
		opts := SendOptions{}
		if row.SendOptions != nil {
			opts = *row.SendOptions
		}
		if err := d.queue.Send(ctx, Event{Name: row.EventName, Payload: row.Payload, Options: opts, AllowSync: true}); err != nil {
			return fmt.Errorf("event log: dispatch %s: %w", row.EventName, err)
		}
		if err := d.db.Delete(ctx, row); err != nil {
			return fmt.Errorf("event log: delete dispatched row %s: %w", row.EventName, err)
		}
	}
	return nil
}
