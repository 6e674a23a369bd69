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

package watcher

import "context"

// reactor serializes asynchronously delivered watch events into a single
// consumer. Producers (watch callbacks) only enqueue; the one consumer
// goroutine fully processes each event, including any blocking transition
// it triggers, before starting the next. This ordering is what provides the
// at-most-one-concurrent-transition property on a node, independent of the
// persisted state guard.
type reactor struct {
	events chan event
}

func newReactor(depth int) *reactor {
	return &reactor{events: make(chan event, depth)}
}

// enqueue adds an event to the queue in delivery order. Blocks only if the
// queue is full, i.e. the consumer has fallen depth events behind.
func (r *reactor) enqueue(ev event) {
	r.events <- ev
}

// run drains the queue until ctx is done, invoking handle for each event in
// order. It is the only goroutine allowed to run transitions.
func (r *reactor) run(ctx context.Context, handle func(context.Context, event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			handle(ctx, ev)
		}
	}
}
