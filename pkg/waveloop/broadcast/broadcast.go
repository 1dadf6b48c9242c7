// Package broadcast implements the fan-out primitive (spec §4.I): enqueue
// a task against every other live WebSocket connection on the server, with
// a completion callback guaranteed to fire exactly once, after every
// fan-out invocation has returned, on some worker thread rather than the
// caller's.
package broadcast

import (
	"sync/atomic"

	"github.com/yourusername/waveloop/pkg/waveloop/conntable"
	"github.com/yourusername/waveloop/pkg/waveloop/wsproto"
)

// Poster is the subset of *reactor.Reactor broadcast needs: posting a
// task for execution (optionally under a connection's try-lock). Ranging
// over the live connection table goes through conntable.Table directly,
// not through Poster. Declared as an interface so
// this package has no import-time dependency on reactor's concrete type.
type Poster interface {
	PostLocked(h conntable.Handle, fn func())
	Defer(fn func())
}

// Task is the per-target function invoked once for every live WebSocket
// connection other than origin.
type Task func(ws *wsproto.Conn, arg any)

// OnComplete is invoked exactly once after every Task invocation for a
// given Each call has returned (spec: "fires after, and only after, every
// fan-out invocation has returned").
type OnComplete func(origin conntable.Handle, arg any)

// Each enumerates every live WebSocket slot in table other than origin and
// schedules task(ws, arg) on poster for each one. A per-call atomic
// counter, pre-set to the snapshot's size (or 1 if the snapshot is empty,
// so completion still fires), is decremented as each scheduled invocation
// returns; the goroutine observing it reach zero schedules onComplete
// exactly once via poster.Defer — never on the caller's own goroutine,
// even when Each is called from inside a message handler already running
// on a worker.
//
// Connections that close mid-broadcast are skipped (conntable.Lookup
// returns a generation mismatch); a skip still counts down the completion
// counter, matching spec's explicit tie-break. If origin itself closes
// before completion, onComplete still fires — origin is only used to
// filter the snapshot, never dereferenced.
func Each(table *conntable.Table, poster Poster, origin conntable.Handle, task Task, arg any, onComplete OnComplete) {
	var targets []conntable.Handle
	table.Range(origin, func(h conntable.Handle) {
		slot, ok := table.Lookup(h)
		if !ok || slot.Kind() != conntable.KindWebSocket {
			return
		}
		targets = append(targets, h)
	})

	remaining := int64(len(targets))
	if remaining == 0 {
		remaining = 1
	}
	counter := new(atomic.Int64)
	counter.Store(remaining)

	complete := func() {
		if counter.Add(-1) == 0 {
			poster.Defer(func() {
				if onComplete != nil {
					onComplete(origin, arg)
				}
			})
		}
	}

	if len(targets) == 0 {
		complete()
		return
	}

	for _, h := range targets {
		h := h
		poster.PostLocked(h, func() {
			defer complete()
			slot, ok := table.Lookup(h)
			if !ok {
				return // closed between snapshot and dispatch; still counts down
			}
			ws, ok := slot.UserData().(*wsproto.Conn)
			if !ok || ws == nil {
				return
			}
			task(ws, arg)
		})
	}
}
