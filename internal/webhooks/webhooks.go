// Package webhooks notifies external services about registry and reclaim
// events.
//
// Operators configure one or more endpoint URLs. Each receives a signed JSON
// POST for:
// - Accounts discovered by ingestion
// - Status changes found by refresh
// - Live reclaim outcomes
// - Completed runs
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/korarent/internal/retry"
)

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventAccountDiscovered EventType = "account.discovered"
	EventStatusChanged     EventType = "account.status_changed"
	EventReclaimConfirmed  EventType = "reclaim.confirmed"
	EventReclaimFailed     EventType = "reclaim.failed"
	EventRunCompleted      EventType = "run.completed"
)

// ParseEventType accepts the names above.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventAccountDiscovered, EventStatusChanged, EventReclaimConfirmed, EventReclaimFailed, EventRunCompleted:
		return t, nil
	}
	return "", fmt.Errorf("webhooks: unknown event type %q", s)
}

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Operator  string         `json:"operator"`
	Data      map[string]any `json:"data"`
}

// Subscription is one endpoint. An empty Events list receives everything.
type Subscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // Used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetry sets the delivery retry policy.
func WithRetry(p retry.Policy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers event to every subscription that wants it, one after
// another. It returns the first delivery error after trying them all.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var first error
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		if err := d.send(ctx, sub, event, payload); err != nil {
			d.updateError(ctx, sub, err.Error())
			if first == nil {
				first = fmt.Errorf("webhook %s: %w", sub.ID, err)
			}
			continue
		}
		d.updateSuccess(ctx, sub)
	}
	return first
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	return d.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Korarent-Event", string(event.Type))
		req.Header.Set("X-Korarent-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

		// Sign the payload if secret is set
		if sub.Secret != "" {
			req.Header.Set("X-Korarent-Signature", Sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// X-Korarent-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore keeps subscriptions in memory. Subscriptions come from
// configuration, so nothing needs to survive a restart.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

// List returns subscriptions ordered by ID.
func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[sub.ID] = sub
	return nil
}

// StoreFromURLs builds a store with one active subscription per URL, all
// sharing secret and the event filter names.
func StoreFromURLs(urls []string, secret string, events []string) (*MemoryStore, error) {
	types := make([]EventType, 0, len(events))
	for _, name := range events {
		t, err := ParseEventType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}

	store := NewMemoryStore()
	now := time.Now()
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("webhooks: invalid URL %q", raw)
		}
		_ = store.Create(context.Background(), &Subscription{
			ID:        fmt.Sprintf("wh_%d", i+1),
			URL:       raw,
			Secret:    secret,
			Events:    types,
			Active:    true,
			CreatedAt: now,
		})
	}
	return store, nil
}
