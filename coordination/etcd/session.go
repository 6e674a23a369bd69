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

// Package etcd provides an etcd-backed implementation of the coordination
// Session used by the watchdog.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/coordination"
	"github.com/dbfailover/watchdog/util/clock"
)

const (
	// registrationTTL is the lease TTL for ephemeral self-registration.
	// Keep-alives run for the lifetime of the session, so the node only
	// expires if the process dies or partitions away.
	registrationTTL = 30 * time.Second

	requestTimeout = 5 * time.Second

	// watchRetryDelay spaces out watch re-establishment attempts so a
	// persistently failing stream does not turn into a hot loop.
	watchRetryDelay = time.Second
)

// Session implements coordination.Session on top of an etcd v3 client.
type Session struct {
	client *clientv3.Client
	// sess backs the distributed locks; its lease expiring releases any
	// locks held by a crashed process.
	sess *concurrency.Session
}

var _ coordination.Session = (*Session)(nil)

// NewSession wraps the given etcd client. The client must remain valid for
// the lifetime of the Session.
func NewSession(client *clientv3.Client) (*Session, error) {
	sess, err := concurrency.NewSession(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %v", err)
	}
	return &Session{client: client, sess: sess}, nil
}

// Close releases the session's lease, dropping any held locks and ephemeral
// registrations backed by it.
func (s *Session) Close() error {
	return s.sess.Close()
}

// Get reads the current value of a node without establishing a watch.
func (s *Session) Get(ctx context.Context, node string) ([]byte, coordination.NodeMeta, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.Get(cctx, node)
	if err != nil {
		return nil, coordination.NodeMeta{}, err
	}
	if resp.Count == 0 {
		return nil, coordination.NodeMeta{}, coordination.ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, coordination.NodeMeta{Version: kv.ModRevision, ModTime: time.Now()}, nil
}

// Set writes the value of a node, creating it if necessary.
func (s *Session) Set(ctx context.Context, node string, value []byte) error {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := s.client.Put(cctx, node, string(value))
	return err
}

// Delete removes a node. Removing an absent node is not an error.
func (s *Session) Delete(ctx context.Context, node string) error {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, err := s.client.Delete(cctx, node)
	return err
}

// watchState tracks what a watcher has been told so far, so a resync read
// can synthesize exactly the events the watcher missed while no stream was
// established.
type watchState struct {
	// rev is the revision of the last delivered observation.
	rev int64
	// absent records whether that observation was a deletion (or that the
	// node has never been seen), so repeated resyncs of a missing node do
	// not repeat the deletion event.
	absent bool
}

// resyncEvent compares a fresh read against what the watcher last saw and
// returns the event to deliver, if any, plus the updated state. The returned
// state's rev is the read's header revision: everything at or before it is
// reflected in the read, so the next watch stream resumes just after it.
func resyncEvent(st watchState, resp *clientv3.GetResponse) (coordination.NodeEvent, watchState, bool) {
	if resp.Count == 0 {
		next := watchState{rev: resp.Header.Revision, absent: true}
		if st.absent {
			return coordination.NodeEvent{}, next, false
		}
		ev := coordination.NodeEvent{
			Type: coordination.NodeDeleted,
			Meta: coordination.NodeMeta{Version: resp.Header.Revision, ModTime: time.Now()},
		}
		return ev, next, true
	}
	kv := resp.Kvs[0]
	next := watchState{rev: resp.Header.Revision}
	if !st.absent && kv.ModRevision <= st.rev {
		return coordination.NodeEvent{}, next, false
	}
	ev := coordination.NodeEvent{
		Type:  coordination.NodeChanged,
		Value: kv.Value,
		Meta:  coordination.NodeMeta{Version: kv.ModRevision, ModTime: time.Now()},
	}
	return ev, next, true
}

// resync reads the node and delivers the change the watcher missed while no
// stream was established, if there was one.
func (s *Session) resync(ctx context.Context, node string, st watchState, fn func(coordination.NodeEvent)) (watchState, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.client.Get(cctx, node)
	if err != nil {
		return st, err
	}
	ev, next, deliver := resyncEvent(st, resp)
	if deliver {
		fn(ev)
	}
	return next, nil
}

// Watch arranges for fn to be called, in order, for every change to the node
// newer than fromVersion, until ctx is canceled. fromVersion is typically
// the Version of a preceding Get; the initial resync delivers any write that
// landed between that read and the watch, so the sequence is lossless. A
// failed stream (including compaction of the resume revision) is recovered
// by re-reading the node, synthesizing the missed change, and resuming from
// the fresh revision, with a delay between attempts.
func (s *Session) Watch(ctx context.Context, node string, fromVersion int64, fn func(coordination.NodeEvent)) error {
	st := watchState{rev: fromVersion, absent: fromVersion == 0}
	var err error
	if st, err = s.resync(ctx, node, st, fn); err != nil {
		return err
	}

	go func() {
		for ctx.Err() == nil {
			s.watchOnce(ctx, node, &st, fn)
			if ctx.Err() != nil {
				return
			}
			klog.Warningf("Watch stream on %s lost, re-establishing", node)
			if err := clock.SleepContext(ctx, watchRetryDelay); err != nil {
				return
			}
			next, err := s.resync(ctx, node, st, fn)
			if err != nil {
				klog.Warningf("Failed to re-read %s: %v", node, err)
				continue
			}
			st = next
		}
	}()
	return nil
}

// watchOnce consumes a single watch stream until it fails or ctx is done.
func (s *Session) watchOnce(ctx context.Context, node string, st *watchState, fn func(coordination.NodeEvent)) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	wch := s.client.Watch(wctx, node, clientv3.WithRev(st.rev+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			// The resume revision may have been compacted away; recovery
			// goes through a fresh read in the caller, not a blind retry.
			klog.Warningf("Watch on %s: %v", node, err)
			return
		}
		for _, ev := range wr.Events {
			st.rev = ev.Kv.ModRevision
			st.absent = ev.Type == mvccpb.DELETE
			fn(translateEvent(ev))
		}
	}
}

func translateEvent(ev *clientv3.Event) coordination.NodeEvent {
	meta := coordination.NodeMeta{Version: ev.Kv.ModRevision, ModTime: time.Now()}
	switch {
	case ev.Type == mvccpb.DELETE:
		return coordination.NodeEvent{Type: coordination.NodeDeleted, Meta: meta}
	case ev.IsCreate():
		return coordination.NodeEvent{Type: coordination.NodeCreated, Value: ev.Kv.Value, Meta: meta}
	default:
		return coordination.NodeEvent{Type: coordination.NodeChanged, Value: ev.Kv.Value, Meta: meta}
	}
}

// RegisterSelf announces this instance under dir with an ephemeral,
// lease-suffixed node. Returns a function that should be called on process
// exit to remove the registration early.
func (s *Session) RegisterSelf(ctx context.Context, dir, id string) (func(), error) {
	lease, err := s.client.Grant(ctx, int64(registrationTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get lease from etcd: %v", err)
	}
	if _, err := s.client.KeepAlive(ctx, lease.ID); err != nil {
		return nil, fmt.Errorf("failed to keep lease alive: %v", err)
	}

	// The lease ID is unique per registration, which gives the sequential
	// suffix semantics the membership listing expects.
	node := fmt.Sprintf("%s/node-%016x", strings.TrimRight(dir, "/"), lease.ID)
	if _, err := s.client.Put(ctx, node, id, clientv3.WithLease(lease.ID)); err != nil {
		return nil, err
	}
	klog.Infof("Registered %s as %s", id, node)

	return func() {
		// Use a background context because the original context may have
		// been canceled by the time we unregister.
		ctx := context.Background()
		klog.Infof("Removing registration %s", node)
		if _, err := s.client.Revoke(ctx, lease.ID); err != nil {
			klog.Warningf("Failed to revoke registration lease: %v", err)
		}
	}, nil
}

// NewLock returns a handle on the named fleet-wide lock.
func (s *Session) NewLock(name string) coordination.Lock {
	return &lock{mu: concurrency.NewMutex(s.sess, "/locks/"+name)}
}

type lock struct {
	mu *concurrency.Mutex
}

// TryAcquire attempts to take the lock without waiting.
func (l *lock) TryAcquire(ctx context.Context) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch err := l.mu.TryLock(cctx); err {
	case nil:
		return true, nil
	case concurrency.ErrLocked:
		return false, nil
	default:
		return false, err
	}
}

// Release gives up the lock.
func (l *lock) Release(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	return l.mu.Unlock(cctx)
}
