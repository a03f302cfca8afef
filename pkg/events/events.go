// Package events carries what happened in a market to whoever listens:
// the websocket hub, a Kafka topic, or a test recorder.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type Type string

const (
	Fill           Type = "fill"
	OrderPlaced    Type = "order_placed"
	OrderCancelled Type = "order_cancelled"
	OrderDecreased Type = "order_decreased"
)

// Event is published after the unit of work that produced it commits.
// For fills Trader and OrderID are the taker's.
type Event struct {
	Type      Type           `json:"type"`
	Market    common.Address `json:"market"`
	Trader    common.Address `json:"trader"`
	OrderID   uint64         `json:"orderId"`
	ClientID  *uint64        `json:"clientId,omitempty"`
	Price     uint64         `json:"price"`
	Size      uint64         `json:"size"`
	IsBid     bool           `json:"isBid"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds

	FillID       string         `json:"fillId,omitempty"`
	Maker        common.Address `json:"maker,omitempty"`
	MakerOrderID uint64         `json:"makerOrderId,omitempty"`
}

// Channel is the websocket channel an event is broadcast on.
func (e Event) Channel() string {
	if e.Type == Fill {
		return "fills:" + e.Market.Hex()
	}
	return "orders:" + e.Market.Hex()
}

type Publisher interface {
	Publish(ctx context.Context, evs []Event) error
}

// Fanout publishes to every registered publisher and joins their errors.
type Fanout struct {
	mu   sync.RWMutex
	pubs []Publisher
}

func (f *Fanout) Add(p Publisher) {
	f.mu.Lock()
	f.pubs = append(f.pubs, p)
	f.mu.Unlock()
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pubs)
}

func (f *Fanout) Publish(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	f.mu.RLock()
	pubs := append([]Publisher(nil), f.pubs...)
	f.mu.RUnlock()

	var errs []error
	for _, p := range pubs {
		if err := p.Publish(ctx, evs); err != nil {
			errs = append(errs, fmt.Errorf("publish %d events: %w", len(evs), err))
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs []Event) error {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
