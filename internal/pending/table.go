// Package pending correlates outbound provider submissions with the inbound
// webhook callbacks that eventually answer them. A caller that wants to wait
// inline registers a waiter under its correlation key; the webhook receiver
// resolves it when the callback arrives.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexy-labs/chat-relay/internal/relayerr"
)

// ErrReplaced is delivered to a waiter displaced by a newer registration
// under the same correlation key. The table is last-write-wins; the displaced
// waiter is rejected immediately so its timer does not linger to the deadline.
var ErrReplaced = errors.New("pending request replaced by a newer registration")

// Result is the terminal outcome of a waiter: a webhook payload or an error.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Waiter is a future resolved by a webhook callback, a deadline, or a cancel.
type Waiter struct {
	key       string
	createdAt time.Time
	deadline  time.Time
	ch        chan Result
	table     *Table
}

// Key returns the correlation key this waiter is registered under.
func (w *Waiter) Key() string { return w.key }

// Wait blocks until the waiter is resolved, rejected, or ctx is done.
// A context cancellation removes the table entry before returning.
func (w *Waiter) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-w.ch:
		return res.Payload, res.Err
	case <-ctx.Done():
		w.table.cancel(w)
		// The webhook may have won the race; prefer its result.
		select {
		case res := <-w.ch:
			return res.Payload, res.Err
		default:
			return nil, ctx.Err()
		}
	}
}

type entry struct {
	waiter *Waiter
	timer  *time.Timer
}

// Table tracks in-flight waiters keyed by correlation key. At most one waiter
// exists per key; a second registration displaces the first.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*entry
	logger  zerolog.Logger
	onSize  func(n int)
}

// NewTable creates an empty pending-request table.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		waiters: make(map[string]*entry),
		logger:  logger.With().Str("component", "pending").Logger(),
	}
}

// OnSizeChange registers a callback invoked with the table size after every
// mutation, used to feed the pending-waiters gauge.
func (t *Table) OnSizeChange(fn func(n int)) {
	t.mu.Lock()
	t.onSize = fn
	t.mu.Unlock()
}

// Register creates a waiter for key with the given timeout. If a waiter
// already exists under key it is rejected with ErrReplaced and displaced.
func (t *Table) Register(key string, timeout time.Duration) *Waiter {
	now := time.Now()
	w := &Waiter{
		key:       key,
		createdAt: now,
		deadline:  now.Add(timeout),
		ch:        make(chan Result, 1),
		table:     t,
	}

	t.mu.Lock()
	if old, ok := t.waiters[key]; ok {
		old.timer.Stop()
		old.waiter.ch <- Result{Err: ErrReplaced}
		t.logger.Warn().Str("key", key).Msg("displacing existing pending waiter")
	}
	t.waiters[key] = &entry{
		waiter: w,
		timer:  time.AfterFunc(timeout, func() { t.expire(key, w) }),
	}
	size := len(t.waiters)
	fn := t.onSize
	t.mu.Unlock()

	if fn != nil {
		fn(size)
	}

	t.logger.Debug().Str("key", key).Dur("timeout", timeout).Msg("waiter registered")
	return w
}

// Resolve fulfills the waiter registered under key, if any, and removes it.
// Returns false when no waiter exists; a webhook with no inline waiter is
// normal and is routed via the realtime push path instead.
func (t *Table) Resolve(key string, payload json.RawMessage) bool {
	w := t.remove(key, nil)
	if w == nil {
		return false
	}
	w.ch <- Result{Payload: payload}
	t.logger.Debug().Str("key", key).Msg("waiter resolved")
	return true
}

// Reject rejects the waiter registered under key with err, if any.
func (t *Table) Reject(key string, err error) bool {
	w := t.remove(key, nil)
	if w == nil {
		return false
	}
	w.ch <- Result{Err: err}
	return true
}

// Len returns the number of registered waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// expire fires on the deadline timer. The identity check guards against the
// timer racing a Resolve or a displacement of the same key.
func (t *Table) expire(key string, w *Waiter) {
	if t.remove(key, w) == nil {
		return
	}
	w.ch <- Result{Err: relayerr.ErrWaitTimeout}
	t.logger.Info().Str("key", key).Msg("waiter timed out")
}

// cancel removes a waiter on caller-side cancellation without sending a result.
func (t *Table) cancel(w *Waiter) {
	t.remove(w.key, w)
}

// remove deletes the entry for key and returns its waiter. When expect is
// non-nil the entry is only removed if it still holds that exact waiter.
func (t *Table) remove(key string, expect *Waiter) *Waiter {
	t.mu.Lock()
	e, ok := t.waiters[key]
	if !ok || (expect != nil && e.waiter != expect) {
		t.mu.Unlock()
		return nil
	}
	e.timer.Stop()
	delete(t.waiters, key)
	size := len(t.waiters)
	fn := t.onSize
	t.mu.Unlock()

	if fn != nil {
		fn(size)
	}
	return e.waiter
}
