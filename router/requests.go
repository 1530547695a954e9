package router

import (
	"sync"
	"time"
)

type State int

const (
	StateReserved State = iota
	StateRunning
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

const DefaultRetention = 10 * time.Minute

type entry struct {
	state   State
	abort   func()
	aborted bool
	updated time.Time
}

//Requests is the request table: request id to lifecycle state and abort capability
type Requests struct {
	retention time.Duration
	now       func() time.Time

	entries map[string]*entry
	lock    sync.Mutex
}

func NewRequests(retention time.Duration) *Requests {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Requests{
		retention: retention,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

//Reserve claims id; false means the id is already known in any state
func (r *Requests) Reserve(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = &entry{state: StateReserved, updated: r.now()}
	return true
}

//Run records the abort capability of a reserved request. It reports false
//when the request is not reserved or was aborted while reserved.
func (r *Requests) Run(id string, abort func()) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != StateReserved || e.aborted {
		return false
	}
	e.state = StateRunning
	e.abort = abort
	e.updated = r.now()
	return true
}

func (r *Requests) Finish(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.state = StateTerminal
	e.abort = nil
	e.updated = r.now()
}

//Abort invokes the live abort capability of id, at most once. A reserved
//request is marked so that it never starts running. It reports false when
//there is nothing left to abort.
func (r *Requests) Abort(id string) bool {
	r.lock.Lock()
	e, ok := r.entries[id]
	if ok && e.state == StateReserved && !e.aborted {
		e.aborted = true
		e.updated = r.now()
		r.lock.Unlock()
		return true
	}
	if !ok || e.state != StateRunning || e.abort == nil {
		r.lock.Unlock()
		return false
	}
	abort := e.abort
	e.abort = nil
	r.lock.Unlock()

	abort()
	return true
}

//Aborted reports whether id was aborted before it started running
func (r *Requests) Aborted(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[id]
	return ok && e.aborted
}

func (r *Requests) State(id string) (State, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func (r *Requests) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

//Prune drops terminal entries older than the retention window
func (r *Requests) Prune() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	cutoff := r.now().Add(-r.retention)
	trimmed := 0
	for id, e := range r.entries {
		if e.state == StateTerminal && e.updated.Before(cutoff) {
			delete(r.entries, id)
			trimmed++
		}
	}
	return trimmed
}
