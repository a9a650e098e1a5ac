// Package store implements the Entity Store: the in-memory cache of the
// last known Core-shaped state for every available entity, spec.md §4.3.
// It is the single writer that the HA Client's event stream feeds into;
// Core Sessions only ever read a snapshot or subscribe to its broadcast
// channel of deltas.
package store

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"habridge/internal/entity"
	"habridge/internal/haclient"
	"habridge/internal/mapper"
)

// Delta is published for every entity change the Store applies, spec.md
// §4.3: "{entity_id, changed_attributes}".
type Delta struct {
	EntityID          string
	ChangedAttributes map[string]any
	Removed           bool
	Entity            *entity.Entity
}

// subscriberBuf is the bound on a Core Session's delta channel, spec.md
// §5 "Backpressure: Broadcast channel to Core Sessions is bounded; a slow
// session that cannot keep up is dropped rather than blocking the
// writer."
const subscriberBuf = 64

type subscriber struct {
	id      int
	ch      chan Delta
	done    chan struct{}
	dropped bool
}

// Store is the Entity Store. Safe for concurrent use: Consume is the
// single writer, every other method is a reader.
type Store struct {
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]*entity.Entity

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// New constructs an empty Store.
func New(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		entities: make(map[string]*entity.Entity),
		subs:     make(map[int]*subscriber),
	}
}

// Get returns a cloned snapshot of the entity, or (nil, false) if the
// store holds nothing for entityID.
func (s *Store) Get(entityID string) (*entity.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Snapshot returns a consistent point-in-time copy of every stored
// entity, spec.md §4.3 "Readers take a consistent snapshot per read."
func (s *Store) Snapshot() []*entity.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entity.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Subscribe registers a new delta listener and returns its channel plus a
// cancel function. The caller must call cancel when done to release the
// subscriber slot.
func (s *Store) Subscribe() (<-chan Delta, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{id: id, ch: make(chan Delta, subscriberBuf), done: make(chan struct{})}
	s.subs[id] = sub
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			if !sub.dropped {
				close(sub.done)
			}
		}
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Store) publish(d Delta) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		if sub.dropped {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			s.logger.Warn("core session too slow to drain entity store deltas, dropping it", zap.Int("subscriber", id))
			sub.dropped = true
			close(sub.done)
			close(sub.ch)
		}
	}
}

// Done returns a channel that closes when the subscriber identified by ch
// has been dropped for backpressure, letting the Core Session notice and
// close its socket. A dropped subscriber keeps its slot until its cancel
// function is called. Returns nil if ch is not a channel this Store issued
// or its cancel function has already been called.
func (s *Store) Done(ch <-chan Delta) <-chan struct{} {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.ch == ch {
			return sub.done
		}
	}
	return nil
}

// Consume runs the Store's single writer loop against a live HA Client:
// every bootstrap snapshot replaces the store wholesale, every decoded
// delta event is diffed against the prior value. Returns when ctx is
// cancelled.
func (s *Store) Consume(ctx context.Context, client *haclient.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case states := <-client.Bootstraps():
			s.applyBootstrap(states)
		case ev := <-client.Events():
			s.applyEvent(ev)
		}
	}
}

func (s *Store) applyBootstrap(states []haclient.HAState) {
	next := make(map[string]*entity.Entity, len(states))
	for i := range states {
		snap := (&states[i]).ToSnapshot()
		ent, ok := mapper.Decode(snap)
		if !ok {
			continue
		}
		next[ent.EntityID] = ent
	}

	s.mu.Lock()
	prev := s.entities
	s.entities = next
	s.mu.Unlock()

	for id, ent := range next {
		old := prev[id]
		if old == nil {
			s.publish(Delta{EntityID: id, ChangedAttributes: ent.Attributes, Entity: ent.Clone()})
			continue
		}
		if changed := diffAttributes(old.Attributes, ent.Attributes); len(changed) > 0 {
			s.publish(Delta{EntityID: id, ChangedAttributes: changed, Entity: ent.Clone()})
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			s.publish(Delta{EntityID: id, Removed: true})
		}
	}
}

func (s *Store) applyEvent(ev haclient.StateEvent) {
	if ev.NewState == nil {
		// HA removed the entity from its registry.
		s.mu.Lock()
		_, existed := s.entities[ev.EntityID]
		delete(s.entities, ev.EntityID)
		s.mu.Unlock()
		if existed {
			s.publish(Delta{EntityID: ev.EntityID, Removed: true})
		}
		return
	}

	snap := ev.NewState.ToSnapshot()
	ent, ok := mapper.Decode(snap)
	if !ok {
		// Unsupported entity: never stored, spec.md §4.3 "A later mapper
		// upgrade never re-surfaces them without an HA event" — nothing
		// to do here either way.
		return
	}

	s.mu.Lock()
	prior := s.entities[ev.EntityID]
	if prior != nil && reflect.DeepEqual(prior.Attributes, ent.Attributes) {
		s.mu.Unlock()
		return
	}
	s.entities[ev.EntityID] = ent
	s.mu.Unlock()

	changed := ent.Attributes
	if prior != nil {
		changed = diffAttributes(prior.Attributes, ent.Attributes)
	}
	if len(changed) == 0 {
		return
	}
	s.publish(Delta{EntityID: ev.EntityID, ChangedAttributes: changed, Entity: ent.Clone()})
}

// diffAttributes returns the keys in next whose value differs from (or is
// absent from) prev.
func diffAttributes(prev, next map[string]any) map[string]any {
	changed := make(map[string]any)
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}
