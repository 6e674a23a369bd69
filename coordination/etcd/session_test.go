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

package etcd

import (
	"testing"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dbfailover/watchdog/coordination"
)

func getResponse(headerRev int64, kvs ...*mvccpb.KeyValue) *clientv3.GetResponse {
	return &clientv3.GetResponse{
		Header: &etcdserverpb.ResponseHeader{Revision: headerRev},
		Kvs:    kvs,
		Count:  int64(len(kvs)),
	}
}

func kv(rev int64, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{
		Key:         []byte("/active_master_id"),
		Value:       []byte(value),
		ModRevision: rev,
	}
}

func TestResyncEvent(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		st      watchState
		resp    *clientv3.GetResponse
		deliver bool
		wantEv  coordination.NodeEvent
		wantSt  watchState
	}{
		{
			desc:    "write landed between read and watch",
			st:      watchState{rev: 5},
			resp:    getResponse(7, kv(7, "node-A")),
			deliver: true,
			wantEv: coordination.NodeEvent{
				Type:  coordination.NodeChanged,
				Value: []byte("node-A"),
				Meta:  coordination.NodeMeta{Version: 7},
			},
			wantSt: watchState{rev: 7},
		},
		{
			desc:   "nothing newer than last delivery",
			st:     watchState{rev: 7},
			resp:   getResponse(9, kv(7, "node-A")),
			wantSt: watchState{rev: 9},
		},
		{
			desc:    "created after an empty initial read",
			st:      watchState{rev: 0, absent: true},
			resp:    getResponse(4, kv(4, "node-A")),
			deliver: true,
			wantEv: coordination.NodeEvent{
				Type:  coordination.NodeChanged,
				Value: []byte("node-A"),
				Meta:  coordination.NodeMeta{Version: 4},
			},
			wantSt: watchState{rev: 4},
		},
		{
			desc:   "still absent",
			st:     watchState{rev: 0, absent: true},
			resp:   getResponse(3),
			wantSt: watchState{rev: 3, absent: true},
		},
		{
			desc:    "deleted while the stream was down",
			st:      watchState{rev: 7},
			resp:    getResponse(8),
			deliver: true,
			wantEv: coordination.NodeEvent{
				Type: coordination.NodeDeleted,
				Meta: coordination.NodeMeta{Version: 8},
			},
			wantSt: watchState{rev: 8, absent: true},
		},
		{
			desc:   "deletion not repeated on later resyncs",
			st:     watchState{rev: 8, absent: true},
			resp:   getResponse(9),
			wantSt: watchState{rev: 9, absent: true},
		},
	} {
		ev, st, deliver := resyncEvent(tc.st, tc.resp)
		if deliver != tc.deliver {
			t.Errorf("%s: deliver = %v, want %v", tc.desc, deliver, tc.deliver)
		}
		if st != tc.wantSt {
			t.Errorf("%s: state = %+v, want %+v", tc.desc, st, tc.wantSt)
		}
		if !deliver {
			continue
		}
		if ev.Type != tc.wantEv.Type {
			t.Errorf("%s: event type = %v, want %v", tc.desc, ev.Type, tc.wantEv.Type)
		}
		if got, want := string(ev.Value), string(tc.wantEv.Value); got != want {
			t.Errorf("%s: event value = %q, want %q", tc.desc, got, want)
		}
		if ev.Meta.Version != tc.wantEv.Meta.Version {
			t.Errorf("%s: event version = %d, want %d", tc.desc, ev.Meta.Version, tc.wantEv.Meta.Version)
		}
	}
}
