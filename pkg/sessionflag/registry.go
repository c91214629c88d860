// Package sessionflag tracks which conversation session currently owns an
// in-flight turn and lets a newer turn (or an explicit abort) signal the
// older one to stop.
//
// Cancellation is cooperative: the registry never interrupts work, it only
// flips a flag and cancels the flag's context. Turn code checks the flag at
// its own checkpoints.
package sessionflag

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrSuperseded is the cancellation cause when a newer turn for the same
	// session starts.
	ErrSuperseded = errors.New("superseded by a newer turn")
	// ErrAborted is the cancellation cause for an explicit abort.
	ErrAborted = errors.New("turn aborted")
)

// Registry is the narrow capability the turn pipeline depends on.
type Registry interface {
	// Start cancels any active flag for sessionID and installs a fresh one.
	Start(ctx context.Context, sessionID string) *Flag
	// IsCancelled reports true when the session has no entry or its entry is cancelled.
	IsCancelled(sessionID string) bool
	// Clear removes the session entry only if it still belongs to flag.
	Clear(flag *Flag)
	// ClearSession removes the session entry unconditionally.
	ClearSession(sessionID string)
	// Cancel signals the active turn of sessionID to stop.
	Cancel(sessionID string) bool
	// Active lists sessions with a live flag.
	Active() []string
}

// Flag is the per-turn execution marker.
type Flag struct {
	id        string
	sessionID string
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
}

func newFlag(parent context.Context, sessionID string) *Flag {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Flag{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID identifies the turn that owns the flag.
func (f *Flag) ID() string { return f.id }

// SessionID returns the session the flag belongs to.
func (f *Flag) SessionID() string { return f.sessionID }

// Cancelled reports whether the turn has been told to stop.
func (f *Flag) Cancelled() bool {
	if f == nil {
		return true
	}
	return f.cancelled.Load()
}

// Context is done once the flag is cancelled or released. context.Cause
// returns ErrSuperseded or ErrAborted for cancellations.
func (f *Flag) Context() context.Context { return f.ctx }

func (f *Flag) signal(cause error) bool {
	if !f.cancelled.CompareAndSwap(false, true) {
		return false
	}
	f.cancel(cause)
	return true
}

func (f *Flag) release() {
	f.cancel(context.Canceled)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*Flag
	logger  zerolog.Logger

	// OnChange, when set, receives the active session count after every mutation.
	OnChange func(active int)
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(logger zerolog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*Flag),
		logger:  logger.With().Str("component", "session_registry").Logger(),
	}
}

func (r *MemoryRegistry) Start(ctx context.Context, sessionID string) *Flag {
	flag := newFlag(ctx, sessionID)

	r.mu.Lock()
	prev := r.entries[sessionID]
	if prev != nil {
		// the previous turn is signalled before the new flag becomes visible
		prev.signal(ErrSuperseded)
	}
	r.entries[sessionID] = flag
	count := len(r.entries)
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info().
			Str("session_key", sessionID).
			Str("previous_turn", prev.ID()).
			Str("turn_id", flag.ID()).
			Msg("Superseded active turn")
	}
	r.notify(count)
	return flag
}

func (r *MemoryRegistry) IsCancelled(sessionID string) bool {
	r.mu.Lock()
	flag := r.entries[sessionID]
	r.mu.Unlock()
	return flag == nil || flag.Cancelled()
}

func (r *MemoryRegistry) Clear(flag *Flag) {
	if flag == nil {
		return
	}

	r.mu.Lock()
	owned := r.entries[flag.sessionID] == flag
	if owned {
		delete(r.entries, flag.sessionID)
	}
	count := len(r.entries)
	r.mu.Unlock()

	flag.release()
	if owned {
		r.notify(count)
	} else {
		r.logger.Debug().
			Str("session_key", flag.sessionID).
			Str("turn_id", flag.ID()).
			Msg("Skipped clearing superseded flag")
	}
}

func (r *MemoryRegistry) ClearSession(sessionID string) {
	r.mu.Lock()
	flag := r.entries[sessionID]
	delete(r.entries, sessionID)
	count := len(r.entries)
	r.mu.Unlock()

	if flag != nil {
		flag.release()
		r.notify(count)
	}
}

func (r *MemoryRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	flag := r.entries[sessionID]
	r.mu.Unlock()

	if flag == nil {
		return false
	}
	if !flag.signal(ErrAborted) {
		return false
	}
	r.logger.Info().Str("session_key", sessionID).Str("turn_id", flag.ID()).Msg("Turn abort requested")
	return true
}

func (r *MemoryRegistry) Active() []string {
	r.mu.Lock()
	sessions := make([]string, 0, len(r.entries))
	for id, flag := range r.entries {
		if !flag.Cancelled() {
			sessions = append(sessions, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(sessions)
	return sessions
}

func (r *MemoryRegistry) notify(count int) {
	if r.OnChange != nil {
		r.OnChange(count)
	}
}
