// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package registry implements the session registry: the authoritative
// store of broadcaster presence, viewer roster and stream geometry. All
// state lives behind a single owner goroutine, so there is one place where
// mutations are ordered and no locks to reason about.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/wallgrid/hub/service/geometry"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	opsChSize    = 256
	eventsChSize = 64
)

type transportBinding struct {
	role     Role
	clientID string
}

type state struct {
	viewers     map[string]*ViewerRecord
	broadcaster *BroadcasterRecord
	geometry    geometry.StreamGeometry
	byTransport map[string]transportBinding
}

// Registry owns all session state and serializes access through a single
// goroutine. Mutations are totally ordered and atomic per operation.
type Registry struct {
	log      mlog.LoggerIFace
	opsCh    chan func(*state)
	eventsCh chan Event
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// New creates and starts a Registry. Call Close to stop it.
func New(log mlog.LoggerIFace) *Registry {
	r := &Registry{
		log:      log,
		opsCh:    make(chan func(*state), opsChSize),
		eventsCh: make(chan Event, eventsChSize),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	st := &state{
		viewers:     map[string]*ViewerRecord{},
		byTransport: map[string]transportBinding{},
	}

	go r.run(st)

	return r
}

func (r *Registry) run(st *state) {
	defer close(r.doneCh)
	for {
		select {
		case op := <-r.opsCh:
			op(st)
		case <-r.closeCh:
			return
		}
	}
}

// Close stops the registry's owner goroutine once any in-flight mutation
// has completed. The Events channel is left open: consumers stop on their
// own signal, and late submissions return zero values instead of blocking.
func (r *Registry) Close() error {
	close(r.closeCh)
	<-r.doneCh
	return nil
}

// Events returns the channel the Event Hub should consume roster/geometry
// change notifications from.
func (r *Registry) Events() <-chan Event {
	return r.eventsCh
}

// submit runs fn on the registry's owner goroutine and blocks until it
// completes, returning whatever fn returns. After Close it returns the
// zero value rather than blocking on a goroutine that is gone.
func submit[T any](r *Registry, fn func(*state) T) T {
	var zero T
	resCh := make(chan T, 1)
	select {
	case r.opsCh <- func(st *state) { resCh <- fn(st) }:
	case <-r.doneCh:
		return zero
	}
	select {
	case res := <-resCh:
		return res
	case <-r.doneCh:
		return zero
	}
}

func (r *Registry) emit(ev Event) {
	select {
	case r.eventsCh <- ev:
	default:
		r.log.Warn("dropping registry event: events channel is full", mlog.Int("eventType", int(ev.Type)))
	}
}

func snapshotLocked(st *state) []ViewerRecord {
	out := make([]ViewerRecord, 0, len(st.viewers))
	for _, v := range st.viewers {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// UpsertViewer creates or revives a ViewerRecord for clientId, marks it
// connected and binds it to transportId.
func (r *Registry) UpsertViewer(clientID, transportID, displayName string) (ViewerRecord, error) {
	if clientID == "" {
		return ViewerRecord{}, fmt.Errorf("invalid clientID: should not be empty")
	}
	if transportID == "" {
		return ViewerRecord{}, fmt.Errorf("invalid transportID: should not be empty")
	}

	rec := submit(r, func(st *state) ViewerRecord {
		v, ok := st.viewers[clientID]
		if !ok {
			v = &ViewerRecord{ClientID: clientID}
			st.viewers[clientID] = v
		}

		if v.TransportID != "" && v.TransportID != transportID {
			delete(st.byTransport, v.TransportID)
		}

		v.TransportID = transportID
		v.Connected = true
		v.LastSeenAt = time.Now()
		if displayName != "" {
			v.DisplayName = displayName
		}

		st.byTransport[transportID] = transportBinding{role: RoleViewer, clientID: clientID}

		return v.Clone()
	})

	r.emit(Event{Type: RosterChanged, Roster: r.SnapshotRoster()})

	return rec, nil
}

// MarkDisconnected finds whichever participant is bound to transportId and
// flips its connected state. ViewerRecords are never deleted.
func (r *Registry) MarkDisconnected(transportID string) {
	replaced := submit(r, func(st *state) bool {
		binding, ok := st.byTransport[transportID]
		if !ok {
			return false
		}
		delete(st.byTransport, transportID)

		switch binding.role {
		case RoleViewer:
			if v, ok := st.viewers[binding.clientID]; ok && v.TransportID == transportID {
				v.Connected = false
				v.LastSeenAt = time.Now()
			}
			return true
		case RoleBroadcaster:
			if st.broadcaster != nil && st.broadcaster.TransportID == transportID {
				st.broadcaster = nil
				st.geometry = geometry.StreamGeometry{}
			}
			return true
		}
		return false
	})

	if replaced {
		r.emit(Event{Type: RosterChanged, Roster: r.SnapshotRoster()})
	}
}

// EnsureViewer creates a disconnected ViewerRecord for clientID if none
// exists, so that operators can configure viewers ahead of their first
// connection. Passing a non-empty displayName also updates the name.
func (r *Registry) EnsureViewer(clientID, displayName string) (ViewerRecord, error) {
	if clientID == "" {
		return ViewerRecord{}, fmt.Errorf("invalid clientID: should not be empty")
	}

	type result struct {
		rec     ViewerRecord
		changed bool
	}

	res := submit(r, func(st *state) result {
		v, ok := st.viewers[clientID]
		if !ok {
			v = &ViewerRecord{ClientID: clientID, LastSeenAt: time.Now()}
			st.viewers[clientID] = v
		}

		changed := !ok
		if displayName != "" && v.DisplayName != displayName {
			v.DisplayName = displayName
			changed = true
		}

		return result{rec: v.Clone(), changed: changed}
	})

	if res.changed {
		r.emit(Event{Type: RosterChanged, Roster: r.SnapshotRoster()})
	}

	return res.rec, nil
}

// SetRegion updates the viewer's region, normalizing it against the current
// stream geometry. Passing a nil rect clears the assignment. The returned
// flag reports whether anything actually changed: setting a region to its
// current value neither mutates nor emits a roster-change event.
func (r *Registry) SetRegion(clientID string, rect *geometry.Rectangle) (bool, error) {
	type result struct {
		changed bool
		err     error
	}

	res := submit(r, func(st *state) result {
		v, ok := st.viewers[clientID]
		if !ok {
			return result{err: fmt.Errorf("UNKNOWN_VIEWER: no such clientID %q", clientID)}
		}

		if rect == nil {
			if v.Region == nil {
				return result{}
			}
			v.Region = nil
			return result{changed: true}
		}

		norm, err := geometry.Normalize(*rect, st.geometry)
		if err != nil {
			return result{err: fmt.Errorf("BAD_INPUT: %w", err)}
		}

		if v.Region != nil && geometry.Equal(*v.Region, norm) {
			return result{}
		}

		v.Region = &norm
		return result{changed: true}
	})

	if res.err != nil {
		return false, res.err
	}

	if res.changed {
		r.emit(Event{Type: RosterChanged, Roster: r.SnapshotRoster()})
	}

	return res.changed, nil
}

// RegisterBroadcaster installs a new broadcaster, replacing any prior one.
// It returns the previous occupant's transportId, if any, so the caller can
// close its transport.
func (r *Registry) RegisterBroadcaster(transportID string, geo geometry.StreamGeometry) (previous string, replaced bool) {
	type result struct {
		previous string
		replaced bool
	}

	res := submit(r, func(st *state) result {
		var prev string
		var had bool
		if st.broadcaster != nil {
			prev = st.broadcaster.TransportID
			had = true
			delete(st.byTransport, prev)
		}

		st.broadcaster = &BroadcasterRecord{TransportID: transportID, Geometry: geo}
		st.geometry = geo
		st.byTransport[transportID] = transportBinding{role: RoleBroadcaster}

		return result{previous: prev, replaced: had}
	})

	r.emit(Event{Type: GeometryChanged, Geometry: BroadcasterRecord{TransportID: transportID, Geometry: geo}})
	if res.replaced {
		r.emit(Event{Type: BroadcasterReplaced, EvictedTransportID: res.previous})
	}

	return res.previous, res.replaced
}

// SnapshotRoster returns every known ViewerRecord, ordered by clientId
// ascending.
func (r *Registry) SnapshotRoster() []ViewerRecord {
	return submit(r, snapshotLocked)
}

// CurrentGeometry returns the active broadcaster's geometry, or the zero
// value if no broadcaster is present.
func (r *Registry) CurrentGeometry() geometry.StreamGeometry {
	return submit(r, func(st *state) geometry.StreamGeometry { return st.geometry })
}

// HasBroadcaster reports whether a broadcaster is currently registered.
func (r *Registry) HasBroadcaster() bool {
	return submit(r, func(st *state) bool { return st.broadcaster != nil })
}

// Broadcaster returns a copy of the active BroadcasterRecord, if any.
func (r *Registry) Broadcaster() (BroadcasterRecord, bool) {
	type result struct {
		rec BroadcasterRecord
		ok  bool
	}

	res := submit(r, func(st *state) result {
		if st.broadcaster == nil {
			return result{}
		}
		return result{rec: *st.broadcaster, ok: true}
	})

	return res.rec, res.ok
}

// LookupByTransport reverse-indexes a transportId to the role and (for
// viewers) clientId bound to it, for disconnection handling.
func (r *Registry) LookupByTransport(transportID string) (Role, string) {
	type result struct {
		role     Role
		clientID string
	}

	res := submit(r, func(st *state) result {
		binding, ok := st.byTransport[transportID]
		if !ok {
			return result{role: RoleUnknown}
		}
		return result{role: binding.role, clientID: binding.clientID}
	})

	return res.role, res.clientID
}

// GetViewer returns a copy of the named viewer's record, if known.
func (r *Registry) GetViewer(clientID string) (ViewerRecord, bool) {
	type result struct {
		rec ViewerRecord
		ok  bool
	}

	res := submit(r, func(st *state) result {
		v, ok := st.viewers[clientID]
		if !ok {
			return result{}
		}
		return result{rec: v.Clone(), ok: true}
	})

	return res.rec, res.ok
}

// EvictStale garbage-collects viewers disconnected for longer than ttl,
// discarding their region. It returns the clientIds of the evicted records
// and is intended to be called periodically by the owning service.
func (r *Registry) EvictStale(ttl time.Duration) []string {
	evicted := submit(r, func(st *state) []string {
		cutoff := time.Now().Add(-ttl)
		var ids []string
		for id, v := range st.viewers {
			if !v.Connected && v.LastSeenAt.Before(cutoff) {
				delete(st.viewers, id)
				ids = append(ids, id)
			}
		}
		return ids
	})

	if len(evicted) > 0 {
		r.emit(Event{Type: RosterChanged, Roster: r.SnapshotRoster()})
	}

	return evicted
}
