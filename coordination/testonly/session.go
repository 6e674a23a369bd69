// Copyright 2024 the Failover Watchdog Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testonly provides an in-memory coordination Session for tests.
package testonly

import (
	"context"
	"sync"
	"time"

	"github.com/dbfailover/watchdog/coordination"
)

// Session is an in-memory implementation of coordination.Session. Watch
// callbacks are invoked synchronously from Set/Delete, which keeps event
// ordering deterministic in tests.
type Session struct {
	mu       sync.Mutex
	nodes    map[string]node
	watchers map[string][]func(coordination.NodeEvent)
	history  map[string][]coordination.NodeEvent
	locks    map[string]*Lock
	rev      int64

	// Registered collects ids passed to RegisterSelf.
	Registered []string
}

type node struct {
	value []byte
	meta  coordination.NodeMeta
}

var _ coordination.Session = (*Session)(nil)

// NewSession creates an empty in-memory Session.
func NewSession() *Session {
	return &Session{
		nodes:    make(map[string]node),
		watchers: make(map[string][]func(coordination.NodeEvent)),
		history:  make(map[string][]coordination.NodeEvent),
		locks:    make(map[string]*Lock),
	}
}

// Get reads the current value of a node.
func (s *Session) Get(ctx context.Context, name string) ([]byte, coordination.NodeMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return nil, coordination.NodeMeta{}, coordination.ErrNoNode
	}
	return n.value, n.meta, nil
}

// Set writes a node and delivers created/changed events to its watchers.
func (s *Session) Set(ctx context.Context, name string, value []byte) error {
	s.mu.Lock()
	s.rev++
	_, existed := s.nodes[name]
	meta := coordination.NodeMeta{Version: s.rev, ModTime: time.Now()}
	s.nodes[name] = node{value: value, meta: meta}
	typ := coordination.NodeCreated
	if existed {
		typ = coordination.NodeChanged
	}
	ev := coordination.NodeEvent{Type: typ, Value: value, Meta: meta}
	s.history[name] = append(s.history[name], ev)
	watchers := append([]func(coordination.NodeEvent){}, s.watchers[name]...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ev)
	}
	return nil
}

// Touch bumps a node's version without changing its value, mimicking a
// metadata-only update. Delivers a changed event.
func (s *Session) Touch(ctx context.Context, name string) error {
	s.mu.Lock()
	n, ok := s.nodes[name]
	if !ok {
		s.mu.Unlock()
		return coordination.ErrNoNode
	}
	s.rev++
	n.meta = coordination.NodeMeta{Version: s.rev, ModTime: time.Now()}
	s.nodes[name] = n
	ev := coordination.NodeEvent{Type: coordination.NodeChanged, Value: n.value, Meta: n.meta}
	s.history[name] = append(s.history[name], ev)
	watchers := append([]func(coordination.NodeEvent){}, s.watchers[name]...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ev)
	}
	return nil
}

// Delete removes a node and delivers deleted events to its watchers.
func (s *Session) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.nodes[name]; !ok {
		s.mu.Unlock()
		return nil
	}
	s.rev++
	delete(s.nodes, name)
	meta := coordination.NodeMeta{Version: s.rev, ModTime: time.Now()}
	ev := coordination.NodeEvent{Type: coordination.NodeDeleted, Meta: meta}
	s.history[name] = append(s.history[name], ev)
	watchers := append([]func(coordination.NodeEvent){}, s.watchers[name]...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(ev)
	}
	return nil
}

// Watch registers fn and synchronously replays any recorded events newer
// than fromVersion before returning, mirroring the lossless read-then-watch
// contract of the real implementation. Callers should not mutate the node
// concurrently with registration.
func (s *Session) Watch(ctx context.Context, name string, fromVersion int64, fn func(coordination.NodeEvent)) error {
	s.mu.Lock()
	var missed []coordination.NodeEvent
	for _, ev := range s.history[name] {
		if ev.Meta.Version > fromVersion {
			missed = append(missed, ev)
		}
	}
	s.watchers[name] = append(s.watchers[name], fn)
	s.mu.Unlock()

	for _, ev := range missed {
		fn(ev)
	}
	return nil
}

// RegisterSelf records the registration and returns a no-op unregister.
func (s *Session) RegisterSelf(ctx context.Context, dir, id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Registered = append(s.Registered, id)
	return func() {}, nil
}

// NewLock returns the shared in-memory lock with the given name, so two
// "processes" created from the same Session contend on it.
func (s *Session) NewLock(name string) coordination.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &Lock{}
		s.locks[name] = l
	}
	return l
}

// Lock is an in-memory coordination.Lock with non-blocking semantics.
type Lock struct {
	mu   sync.Mutex
	held bool

	// Acquisitions counts successful TryAcquire calls.
	Acquisitions int
	// Releases counts Release calls.
	Releases int
}

// TryAcquire takes the lock iff it is free.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.Acquisitions++
	return true, nil
}

// Release frees the lock.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.Releases++
	return nil
}

// Held reports whether the lock is currently held.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
