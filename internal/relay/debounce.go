package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

// DefaultDebounceWindow is how long a burst stays open after its most
// recent fragment before flushing.
const DefaultDebounceWindow = 1200 * time.Millisecond

// FlushFunc receives the combined text of a quiesced burst as one logical
// turn. It runs on the timer goroutine, after the burst has been removed
// from the table, so a fragment arriving during the call starts a new burst.
type FlushFunc func(tenant *model.TenantConfig, userID, text string)

// pendingBurst accumulates unflushed fragments for one (tenant,user) key.
type pendingBurst struct {
	tenant    *model.TenantConfig
	userID    string
	fragments []string
	timer     *time.Timer
	// gen invalidates a fired timer that lost the race with a reschedule
	// or cancellation.
	gen uint64
}

// Aggregator merges rapid-fire inbound fragments into single logical turns.
// It is process-local and in-memory; a restart drops in-flight bursts, which
// is acceptable loss. Instances are independent so tests can create their
// own.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	bursts map[string]*pendingBurst
	flush  FlushFunc
	closed bool
}

// NewAggregator creates an aggregator that calls flush once per quiesced
// burst. A non-positive window selects DefaultDebounceWindow.
func NewAggregator(window time.Duration, flush FlushFunc) *Aggregator {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Aggregator{
		window: window,
		bursts: make(map[string]*pendingBurst),
		flush:  flush,
	}
}

// Add buffers a text fragment for the key and (re)schedules the flush at
// now+window, cancelling any previously scheduled flush. It reports whether
// this fragment opened a new burst, so the caller can emit the typing
// indicator at most once per burst.
func (a *Aggregator) Add(tenant *model.TenantConfig, userID, fragment string) (newBurst bool) {
	key := burstKey(tenant.ID, userID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}

	b, ok := a.bursts[key]
	if !ok {
		b = &pendingBurst{tenant: tenant, userID: userID}
		a.bursts[key] = b
	}
	b.fragments = append(b.fragments, fragment)
	b.gen++

	if b.timer != nil {
		b.timer.Stop()
	}
	gen := b.gen
	b.timer = time.AfterFunc(a.window, func() {
		a.fire(key, gen)
	})

	return !ok
}

// Cancel discards the pending burst for the key without invoking the
// responder, returning the buffered text (fragments joined with newlines)
// and whether a burst existed. Used when a handoff supersedes the burst.
func (a *Aggregator) Cancel(tenantID, userID string) (discarded string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, exists := a.bursts[burstKey(tenantID, userID)]
	if !exists {
		return "", false
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++ // invalidate a concurrently fired timer
	delete(a.bursts, burstKey(tenantID, userID))
	return strings.Join(b.fragments, "\n"), true
}

// Len reports the number of open bursts.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bursts)
}

// Close stops all pending timers and drops buffered bursts. The aggregator
// accepts no fragments afterwards.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for key, b := range a.bursts {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(a.bursts, key)
	}
}

// fire flushes the burst if it is still current. The burst is removed from
// the table before processing, so the flush owns its buffered text
// exclusively and a fragment arriving mid-flush opens a fresh burst.
func (a *Aggregator) fire(key string, gen uint64) {
	a.mu.Lock()
	b, ok := a.bursts[key]
	if !ok || b.gen != gen {
		// Rescheduled or cancelled after this timer fired.
		a.mu.Unlock()
		return
	}
	delete(a.bursts, key)
	a.mu.Unlock()

	a.flush(b.tenant, b.userID, strings.Join(b.fragments, "\n"))
}

func burstKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}
