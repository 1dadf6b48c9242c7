// Package conntable implements the connection table: a fd/id → protocol
// handler map with generation-checked weak handles, rendering the data
// model's "Connection" lifecycle and the broadcast engine's requirement for
// weak (never owning) references into live connections.
//
// The source keeps a direct-indexed array sized to the process fd limit.
// Go's net package does not expose raw fds for pooled connections in a
// portable way, so this rendering indexes by an internally assigned id
// (a slot index assigned by Register, reusing freed slots first) instead
// of the OS fd — the
// generation-checked-slot-array shape spec §9 asks for is preserved exactly;
// only the index source changes from "fd value" to "table-assigned slot".
package conntable

import (
	"sync"
	"sync/atomic"
)

// Kind identifies the protocol handler currently installed on a slot.
type Kind int

const (
	// KindHTTP marks a slot still speaking HTTP/1.1.
	KindHTTP Kind = iota
	// KindWebSocket marks a slot that completed the upgrade handshake.
	KindWebSocket
	// KindClosing marks a slot mid-teardown. Range itself does not filter
	// by Kind — callers that only want live protocol handlers (broadcast.Each
	// wants KindWebSocket) filter the Kind they need inside their Range
	// callback.
	KindClosing
)

// Handle is a weak (index, generation) reference to a Slot. Lookup on a
// stale Handle (the connection has since closed and the slot been reused)
// returns ok=false rather than a dangling or wrong pointer.
type Handle struct {
	Index      uint32
	Generation uint32
}

func (h Handle) Zero() bool { return h.Generation == 0 }

// Slot is one connection table entry. Callers reach the underlying
// connection/WebSocket object through UserData, which the owning component
// (reactor, wsproto) populates and type-asserts.
type Slot struct {
	generation atomic.Uint32
	kind       atomic.Int32
	// locked guards per-connection serialization (spec §4.B/§5): a worker
	// must win this try-lock before invoking a handler on the connection.
	locked atomic.Bool

	mu       sync.Mutex
	userData any
	inUse    bool
}

// Kind returns the slot's current protocol handler tag.
func (s *Slot) Kind() Kind { return Kind(s.kind.Load()) }

// SetKind updates the protocol handler tag (e.g. on a successful WebSocket
// upgrade, KindHTTP -> KindWebSocket).
func (s *Slot) SetKind(k Kind) { s.kind.Store(int32(k)) }

// UserData returns the opaque value (typically *wsproto.Conn or
// *http11.Connection) the owning component installed.
func (s *Slot) UserData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userData
}

// SetUserData installs the opaque per-connection value.
func (s *Slot) SetUserData(v any) {
	s.mu.Lock()
	s.userData = v
	s.mu.Unlock()
}

// TryLock attempts the per-connection try-lock (§4.B/§5): a worker that
// fails this must re-post its task rather than block.
func (s *Slot) TryLock() bool { return s.locked.CompareAndSwap(false, true) }

// Unlock releases the per-connection try-lock.
func (s *Slot) Unlock() { s.locked.Store(false) }

// Table is a fixed-capacity slot array. Capacity is configured once at
// construction (spec's fd-limit-sized array, rendered here as
// Config.MaxConns).
type Table struct {
	slots []Slot
	// free is a LIFO stack of released slot indices and next the first
	// never-used index, both guarded by mu; unlike reqpool's hot-path CAS
	// stack, registration happens once per connection lifetime, so a mutex
	// is the right tradeoff (simplicity over a second lock-free structure
	// for a cold path).
	mu       sync.Mutex
	next     uint32
	free     []uint32
	liveCnt  atomic.Int64
	capacity uint32
}

// ErrFull is returned by Register when the table is at capacity.
var ErrFull = tableFullError{}

type tableFullError struct{}

func (tableFullError) Error() string { return "conntable: table full" }

// New creates a Table with the given capacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = 4096
	}
	t := &Table{
		slots:    make([]Slot, capacity),
		capacity: uint32(capacity),
	}
	for i := range t.slots {
		t.slots[i].generation.Store(1)
	}
	return t
}

// Register installs userData under a fresh slot and returns its Handle.
func (t *Table) Register(kind Kind, userData any) (Handle, error) {
	t.mu.Lock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else if t.next < t.capacity {
		idx = t.next
		t.next++
	} else {
		t.mu.Unlock()
		return Handle{}, ErrFull
	}
	s := &t.slots[idx]
	s.inUse = true
	s.userData = userData
	s.kind.Store(int32(kind))
	s.locked.Store(false)
	gen := s.generation.Load()
	t.mu.Unlock()

	t.liveCnt.Add(1)
	return Handle{Index: idx, Generation: gen}, nil
}

// Lookup resolves h to its Slot. ok is false on generation mismatch (the
// connection has closed and the slot been reused) — dereference failures
// silently skip, per spec's weak-reference design note.
func (t *Table) Lookup(h Handle) (*Slot, bool) {
	if h.Zero() || int(h.Index) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.Index]
	if s.generation.Load() != h.Generation {
		return nil, false
	}
	return s, true
}

// Deregister removes the connection identified by h, bumping its
// generation so any outstanding weak Handle (e.g. in a broadcast target
// snapshot) fails Lookup from this point on.
func (t *Table) Deregister(h Handle) {
	slot, ok := t.Lookup(h)
	if !ok {
		return
	}
	t.mu.Lock()
	slot.inUse = false
	slot.userData = nil
	slot.generation.Add(1)
	t.free = append(t.free, h.Index)
	t.mu.Unlock()

	t.liveCnt.Add(-1)
}

// Count returns the number of currently registered (live) slots.
func (t *Table) Count() int {
	return int(t.liveCnt.Load())
}

// Range calls fn for every currently live slot, skipping Handle==skip if
// provided (skip.Zero() to visit all). fn receives the Handle so the
// caller (e.g. broadcast.Each) can re-Lookup immediately before dispatch —
// a connection may close between the snapshot and the dispatch, which
// Lookup's generation check catches.
func (t *Table) Range(skip Handle, fn func(Handle)) {
	t.mu.Lock()
	handles := make([]Handle, 0, t.next)
	for i := uint32(0); i < t.next; i++ {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}
		h := Handle{Index: i, Generation: s.generation.Load()}
		if !skip.Zero() && h == skip {
			continue
		}
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		fn(h)
	}
}
