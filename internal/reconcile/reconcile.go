// Package reconcile computes the writes needed to bring two calendars into
// agreement.
//
// Reconcile is a pure function: it never mutates its inputs and returns the
// new state of both collections, each event carrying an event.Change that
// tells the connector which write to perform.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/beekhof/calsync/internal/event"
)

// Window carries the bookmarks of the previous successful pass. A zero time
// means the pair has never completed a pass.
type Window struct {
	LastSuccessfulSync time.Time
	LastWindowEnd      time.Time
}

// Result holds the reconciled collections. Events present only in the output
// (clones created for the other side) have CreateOnSync set and no NativeID.
type Result struct {
	Source      []*event.Event
	Destination []*event.Event
}

// Reconcile matches source and destination events by SyncKey and marks every
// event that must be created, updated, deleted or undeleted.
//
// Both inputs must come from the same query window. A SyncKey occurring twice
// in one collection is a contract violation and yields event.ErrDuplicateKey.
func Reconcile(w Window, source, destination []*event.Event) (Result, error) {
	src := prepare(source)
	dst := prepare(destination)

	srcByKey, err := event.Index(src)
	if err != nil {
		return Result{}, fmt.Errorf("failed to index source events: %w", err)
	}
	dstByKey, err := event.Index(dst)
	if err != nil {
		return Result{}, fmt.Errorf("failed to index destination events: %w", err)
	}

	for _, key := range unionKeys(srcByKey, dstByKey) {
		s, inSource := srcByKey[key]
		d, inDestination := dstByKey[key]

		switch {
		case inSource && inDestination:
			resolvePair(s, d)
		case inSource:
			if c := resolveOneSided(w, s); c != nil {
				dst = append(dst, c)
			}
		case inDestination:
			if c := resolveOneSided(w, d); c != nil {
				src = append(src, c)
			}
		}
	}

	event.SortByKey(src)
	event.SortByKey(dst)
	return Result{Source: src, Destination: dst}, nil
}

// prepare deep-copies the input and clears any change left over from a
// previous pass.
func prepare(events []*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		c := e.Clone()
		c.Sync = event.Change{}
		out = append(out, c)
	}
	return out
}

func unionKeys(a, b map[event.SyncKey]*event.Event) []event.SyncKey {
	keys := make([]event.SyncKey, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// newerOf returns the authoritative copy and the one that has to change.
// On equal modification times the source copy wins.
func newerOf(s, d *event.Event) (newer, older *event.Event) {
	if d.Modified.After(s.Modified) {
		return d, s
	}
	return s, d
}

func resolvePair(s, d *event.Event) {
	switch {
	case s.IsDeleted && d.IsDeleted:
		return

	case s.IsDeleted != d.IsDeleted:
		newer, older := newerOf(s, d)
		if !older.IsDeleted {
			older.IsDeleted = true
			older.Sync.DeleteOnSync = true
			return
		}
		older.IsDeleted = false
		older.Sync.UnDeleteOnSync = true
		if !older.SameContent(newer) {
			older.CopyContent(newer)
			older.Sequence++
			older.Sync.Updated = true
		}

	default:
		if s.SameContent(d) {
			return
		}
		newer, older := newerOf(s, d)
		older.CopyContent(newer)
		older.Sequence++
		older.Sync.Updated = true
	}
}

// resolveOneSided handles an event with no counterpart. It returns the clone
// to add to the other side, or nil.
func resolveOneSided(w Window, e *event.Event) *event.Event {
	if e.IsDeleted {
		return nil
	}

	if after(e.Created, w.LastSuccessfulSync) || after(e.Start, w.LastWindowEnd) {
		c := e.Clone()
		c.NativeID = ""
		c.Sync = event.Change{CreateOnSync: true}
		return c
	}

	// Known before the last pass and missing now: removed on the other side.
	e.IsDeleted = true
	e.Sync.DeleteOnSync = true
	return nil
}

// after reports whether t is later than bound. A zero bound means "never"
// and every t is after it.
func after(t, bound time.Time) bool {
	if bound.IsZero() {
		return true
	}
	return t.After(bound)
}
