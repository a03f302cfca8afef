package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

type preCancelKey struct {
	trader   common.Address
	clientID uint64
}

// PreCancels remembers cancels for client ids that had no resting order.
// An order placed under such an id before the entry expires is rejected.
// Changes are journaled like the ledger's.
type PreCancels struct {
	mu      sync.Mutex
	market  common.Address
	window  time.Duration
	expiry  map[preCancelKey]time.Time
	dirty   map[preCancelKey]struct{}
	journal *journal.Journal
}

// NewPreCancels creates an empty table. A window of zero disables it.
func NewPreCancels(market common.Address, window time.Duration, j *journal.Journal) *PreCancels {
	if j == nil {
		j = journal.New()
	}
	return &PreCancels{
		market:  market,
		window:  window,
		expiry:  make(map[preCancelKey]time.Time),
		dirty:   make(map[preCancelKey]struct{}),
		journal: j,
	}
}

func (p *PreCancels) Enabled() bool { return p != nil && p.window > 0 }

// Record marks the client id cancelled until now plus the window. A repeat
// cancel extends the entry.
func (p *PreCancels) Record(trader common.Address, clientID uint64, now time.Time) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLocked(preCancelKey{trader, clientID}, now.Add(p.window), true)
}

// Active reports whether the client id is still pre-cancelled at now. An
// expired entry is dropped.
func (p *PreCancels) Active(trader common.Address, clientID uint64, now time.Time) bool {
	if !p.Enabled() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := preCancelKey{trader, clientID}
	exp, ok := p.expiry[k]
	if !ok {
		return false
	}
	if now.Before(exp) {
		return true
	}
	p.setLocked(k, time.Time{}, false)
	return false
}

// Restore installs a persisted entry. Used while loading; not journaled.
func (p *PreCancels) Restore(trader common.Address, clientID uint64, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiry[preCancelKey{trader, clientID}] = expiry
}

func (p *PreCancels) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.expiry)
}

// Flush writes entries changed since the last flush into the batch.
func (p *PreCancels) Flush(b *storage.Batch) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.dirty {
		exp, ok := p.expiry[k]
		var err error
		if ok {
			err = b.SavePreCancel(storage.PreCancelRecord{
				Market: p.market, Trader: k.trader, ClientID: k.clientID, Expiry: exp.UnixNano(),
			})
		} else {
			err = b.DeletePreCancel(p.market, k.trader, k.clientID)
		}
		if err != nil {
			return fmt.Errorf("flush pre-cancel %d of %s: %w", k.clientID, k.trader.Hex(), err)
		}
	}
	clear(p.dirty)
	return nil
}

func (p *PreCancels) setLocked(k preCancelKey, exp time.Time, present bool) {
	prev, had := p.expiry[k]
	if present {
		p.expiry[k] = exp
	} else {
		delete(p.expiry, k)
	}
	_, wasDirty := p.dirty[k]
	p.dirty[k] = struct{}{}
	p.journal.Append(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if had {
			p.expiry[k] = prev
		} else {
			delete(p.expiry, k)
		}
		if !wasDirty {
			delete(p.dirty, k)
		}
	})
}
