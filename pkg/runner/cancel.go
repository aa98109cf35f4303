package runner

import (
	"sync"

	"github.com/crewrun/crewd/pkg/agent"
)

// CancelToken is a run's cooperative cancellation flag. Agents never have
// their goroutines killed; they poll the token at safe points and unwind
// with agent.ErrRunCancelled once it is signalled.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unsignalled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token. Idempotent.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when the token is signalled.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// IsCancelled implements agent.CancelCheck.
func (t *CancelToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err implements agent.CancelCheck.
func (t *CancelToken) Err() error {
	if t.IsCancelled() {
		return agent.ErrRunCancelled
	}
	return nil
}

// CancelRegistry tracks the cancel token of every run that has been accepted
// and not yet settled.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[int64]*CancelToken
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[int64]*CancelToken)}
}

// Register creates and stores a token for a run. Registering an already
// registered run returns the existing token.
func (r *CancelRegistry) Register(runID int64) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.tokens[runID]; ok {
		return token
	}
	token := NewCancelToken()
	r.tokens[runID] = token
	return token
}

// Get returns a run's token, or nil when the run is unknown or settled.
func (r *CancelRegistry) Get(runID int64) *CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[runID]
}

// Cancel signals a run's token. Returns false when the run is unknown,
// which callers treat as "already settled".
func (r *CancelRegistry) Cancel(runID int64) bool {
	r.mu.Lock()
	token, ok := r.tokens[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	token.Cancel()
	return true
}

// CancelAll signals every registered token. Used during shutdown so active
// runs unwind at their next safe point; tokens stay registered until their
// runs settle.
func (r *CancelRegistry) CancelAll() int {
	r.mu.Lock()
	tokens := make([]*CancelToken, 0, len(r.tokens))
	for _, token := range r.tokens {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

// Unregister drops a settled run's token.
func (r *CancelRegistry) Unregister(runID int64) {
	r.mu.Lock()
	delete(r.tokens, runID)
	r.mu.Unlock()
}
