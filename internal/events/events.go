// Package events is the notification surface of the escrow engine.
//
// Components emit typed events onto a Bus; subscribers (websocket hub,
// webhook dispatcher, log sink) receive them asynchronously. Emission never
// blocks escrow processing and a panicking subscriber cannot take the
// engine down.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Satisfyguy/escrowd/internal/idgen"
	"github.com/Satisfyguy/escrowd/internal/metrics"
)

// Event types emitted by the engine.
const (
	TypeStatusChanged    = "escrow.status_changed"
	TypeFunded           = "escrow.funded"
	TypeExpiring         = "escrow.expiring"
	TypeExpired          = "escrow.expired"
	TypeAutoCancelled    = "escrow.auto_cancelled"
	TypeDisputeEscalated = "dispute.escalated"
	TypeTransactionStuck = "transaction.stuck"
	TypeSetupStuck       = "multisig.setup_stuck"
)

// Event is one typed notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	EscrowID  string                 `json:"escrowId"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscriber receives emitted events. Deliver runs on its own goroutine per
// event; implementations handle their own timeouts.
type Subscriber interface {
	Deliver(ctx context.Context, event Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) Deliver(ctx context.Context, event Event) { f(ctx, event) }

// Bus fans events out to all registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber. Not safe to call concurrently with
// itself, fine to call concurrently with Emit.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Emit publishes an event to every subscriber. Delivery is asynchronous;
// Emit returns immediately.
func (b *Bus) Emit(ctx context.Context, eventType, escrowID string, data map[string]interface{}) {
	event := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		EscrowID:  escrowID,
		Data:      data,
		Timestamp: time.Now(),
	}
	metrics.EventsEmittedTotal.WithLabelValues(eventType).Inc()

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	// Detach from the caller's context: a cancelled request must not
	// cancel notification delivery already in flight.
	ctx = context.WithoutCancel(ctx)
	for _, s := range subs {
		go b.deliver(ctx, s, event)
	}
}

func (b *Bus) deliver(ctx context.Context, s Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event subscriber",
				"event", event.Type, "escrow", event.EscrowID, "panic", fmt.Sprint(r))
		}
	}()
	s.Deliver(ctx, event)
}

// LogSubscriber writes every event to the structured log.
func LogSubscriber(logger *slog.Logger) Subscriber {
	return SubscriberFunc(func(_ context.Context, event Event) {
		logger.Info("escrow event",
			"event", event.Type, "escrow", event.EscrowID, "data", event.Data)
	})
}
