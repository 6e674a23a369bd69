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

import "github.com/dbfailover/watchdog/coordination"

// event is the closed set of work items flowing through the reactor. New
// kinds must be added to the dispatch switch in Engine.handleEvent.
type event interface {
	isEvent()
}

// leadershipChangedEvent carries a freshly observed, already-normalized
// leadership pointer value together with the node metadata it arrived with.
type leadershipChangedEvent struct {
	id   string
	meta coordination.NodeMeta
}

func (leadershipChangedEvent) isEvent() {}

// leadershipClearedEvent signals deletion of the leadership pointer. There
// is no new leader to react to; the consumer only clears its cached value.
type leadershipClearedEvent struct{}

func (leadershipClearedEvent) isEvent() {}
