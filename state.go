package sluice

import (
	"sync"
	"sync/atomic"
)

// RequestState tracks one in-flight request's observable progress. Counter
// updates are atomic so readers never block executors. The step total may
// arrive after registration: async requests hand out their id before
// chunking has decided how many calls the request needs.
type RequestState struct {
	total     atomic.Int64
	completed atomic.Int64
	canceled  atomic.Bool
	data      atomic.Value // string, the serialized final result
}

// Total returns the number of planned steps, 0 while chunking is still
// deciding it.
func (s *RequestState) Total() int { return int(s.total.Load()) }

// setTotal records the planned step count once chunking has produced it.
func (s *RequestState) setTotal(n int) { s.total.Store(int64(n)) }

// Completed returns the steps finished so far.
func (s *RequestState) Completed() int { return int(s.completed.Load()) }

// Canceled reports whether cancellation was requested.
func (s *RequestState) Canceled() bool { return s.canceled.Load() }

// Data returns the serialized final result once it has been set.
func (s *RequestState) Data() (string, bool) {
	v := s.data.Load()
	if v == nil {
		return "", false
	}
	return v.(string), true
}

func (s *RequestState) setData(data string) { s.data.Store(data) }

// StateRegistry tracks every in-flight request by ID. It is the only
// structure shared across requests: entries are created by Begin, flagged
// by Cancel from any goroutine, and removed by Finish once the terminal
// progress event is published. All methods are safe for concurrent use.
type StateRegistry struct {
	mu       sync.RWMutex
	requests map[string]*RequestState
}

func NewStateRegistry() *StateRegistry {
	return &StateRegistry{requests: make(map[string]*RequestState)}
}

// Begin registers a request with its planned step count and returns the
// entry. A zero total means the count is not known yet; setTotal fills it
// in later.
func (r *StateRegistry) Begin(id string, total int) *RequestState {
	s := &RequestState{}
	s.total.Store(int64(total))
	r.mu.Lock()
	r.requests[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the state for id.
func (r *StateRegistry) Get(id string) (*RequestState, bool) {
	r.mu.RLock()
	s, ok := r.requests[id]
	r.mu.RUnlock()
	return s, ok
}

// StepDone counts one finished step and returns (completed, total).
// Unknown ids return zeros.
func (r *StateRegistry) StepDone(id string) (completed, total int) {
	s, ok := r.Get(id)
	if !ok {
		return 0, 0
	}
	return int(s.completed.Add(1)), s.Total()
}

// Cancel flags a request for cooperative cancellation. The executor
// observes the flag before each call; calls already in flight complete and
// their outputs are discarded. Returns false when the id is unknown or
// already finished.
func (r *StateRegistry) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.canceled.Store(true)
	return true
}

// Canceled reports whether id was canceled. Unknown ids read as false.
func (r *StateRegistry) Canceled(id string) bool {
	s, ok := r.Get(id)
	return ok && s.Canceled()
}

// Finish removes id from the registry. Idempotent.
func (r *StateRegistry) Finish(id string) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// Len reports the number of tracked requests.
func (r *StateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests)
}
