package raft

import (
	"sort"

	"github.com/cpopescu/whisperlib/logio"
)

// waiter is a client request parked on the leader until its LogPos becomes
// committed (or the leader gives up on it, e.g. on stepping down).
type waiter struct {
	pos  logio.LogPos
	done func(committed bool)
}

// waiterSet is the commit waiter set from the design: an ordered map from
// LogPos to a callback, kept sorted by position so signaling "everything up
// to the new commit position" is a simple prefix scan.
type waiterSet struct {
	items []waiter
}

// add registers done to be called once pos is committed (or abandoned).
func (s *waiterSet) add(pos logio.LogPos, done func(committed bool)) {
	s.items = append(s.items, waiter{pos: pos, done: done})
	sort.Slice(s.items, func(i, j int) bool { return s.items[i].pos.Less(s.items[j].pos) })
}

// signalUpTo invokes every waiter at a position <= pos with committed=true,
// in ascending position order, removing them from the set.
func (s *waiterSet) signalUpTo(pos logio.LogPos) {
	i := 0
	for ; i < len(s.items) && s.items[i].pos.LessOrEqual(pos); i++ {
		s.items[i].done(true)
	}
	s.items = s.items[i:]
}

// abandonAll invokes every remaining waiter with committed=false and clears
// the set; used when a leader steps down without ever committing its tail.
func (s *waiterSet) abandonAll() {
	for _, w := range s.items {
		w.done(false)
	}
	s.items = nil
}
