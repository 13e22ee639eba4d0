/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package eventbus implements the per-workflow ordered event stream
// described by the orchestrator's public status-watching contract.
// Each workflow gets its own ring-buffered, gap-free, monotonically
// sequenced stream; subscribers that fall behind see a lagged marker
// rather than a silent gap.
package eventbus

import (
	"sync"
	"time"

	"github.com/carterpry/restraint/internal/telemetry"
	"github.com/carterpry/restraint/internal/workflow"
)

const (
	defaultRingCapacity = 1024
	defaultSubBuffer    = 256
)

// Bus owns one stream per workflow.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{streams: make(map[string]*stream)}
}

type stream struct {
	mu          sync.Mutex
	workflowID  string
	seq         uint64
	ring        []workflow.Event
	ringStart   int // index of oldest entry
	ringLen     int
	closed      bool
	subscribers map[string]chan workflow.Event
	dropped     map[string]uint64 // accumulated drop count since the last lagged marker, per subscriber
}

func newStream(id string) *stream {
	return &stream{
		workflowID:  id,
		ring:        make([]workflow.Event, defaultRingCapacity),
		subscribers: make(map[string]chan workflow.Event),
		dropped:     make(map[string]uint64),
	}
}

func (s *stream) push(e workflow.Event) {
	idx := (s.ringStart + s.ringLen) % len(s.ring)
	s.ring[idx] = e
	if s.ringLen < len(s.ring) {
		s.ringLen++
	} else {
		s.ringStart = (s.ringStart + 1) % len(s.ring)
	}
}

func (s *stream) snapshot() []workflow.Event {
	out := make([]workflow.Event, s.ringLen)
	for i := 0; i < s.ringLen; i++ {
		out[i] = s.ring[(s.ringStart+i)%len(s.ring)]
	}
	return out
}

func (b *Bus) streamFor(workflowID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[workflowID]
	if !ok {
		s = newStream(workflowID)
		b.streams[workflowID] = s
	}
	return s
}

// Publish assigns the next sequence number for the workflow and fans
// the event out to every live subscriber. A full subscriber channel
// has its two oldest entries evicted to make room for a lagged marker
// followed by the new event, so consumers always see the lag inline
// rather than silently missing events.
func (b *Bus) Publish(workflowID string, kind workflow.EventKind, payload map[string]any) workflow.Event {
	s := b.streamFor(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := workflow.Event{
		WorkflowID: workflowID,
		Seq:        s.seq,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Payload:    payload,
	}
	s.push(e)

	for id, ch := range s.subscribers {
		select {
		case ch <- e:
		default:
			// Subscriber is lagging: drop its two oldest buffered
			// entries to make room, then push a lagged marker so it
			// can detect the gap, then the real event.
			for n := 0; n < 2; n++ {
				select {
				case <-ch:
					s.dropped[id]++
				default:
				}
			}
			telemetry.RecordBusLag(string(kind))
			lagged := workflow.Event{
				WorkflowID: workflowID,
				Seq:        s.seq,
				Timestamp:  e.Timestamp,
				Kind:       workflow.EventLagged,
				Payload:    map[string]any{"dropped": s.dropped[id]},
			}
			select {
			case ch <- lagged:
				s.dropped[id] = 0
			default:
			}
			select {
			case ch <- e:
			default:
				// Subscriber is too far behind even for the marker;
				// drop it entirely rather than block the publisher.
				delete(s.subscribers, id)
				delete(s.dropped, id)
			}
		}
	}

	if kind.IsTerminal() {
		s.closed = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
	}
	return e
}

// Subscribe replays the ring buffer onto a fresh channel and then
// attaches it for live delivery, atomically with respect to Publish —
// no event can land between replay and live-attach.
func (b *Bus) Subscribe(workflowID, subscriberID string) <-chan workflow.Event {
	s := b.streamFor(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan workflow.Event, defaultSubBuffer)
	backlog := s.snapshot()
	for _, e := range backlog {
		select {
		case ch <- e:
		default:
		}
	}
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers[subscriberID] = ch
	return ch
}

// Unsubscribe detaches a subscriber without affecting the stream.
func (b *Bus) Unsubscribe(workflowID, subscriberID string) {
	s := b.streamFor(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[subscriberID]; ok {
		delete(s.subscribers, subscriberID)
		delete(s.dropped, subscriberID)
		close(ch)
	}
}

// SubscriberCount reports how many live subscribers a workflow has.
func (b *Bus) SubscriberCount(workflowID string) int {
	s := b.streamFor(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Drop removes a workflow's stream entirely, e.g. after retention sweep.
func (b *Bus) Drop(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, workflowID)
}
