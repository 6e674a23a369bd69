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

package clock

import (
	"context"
	"testing"
	"time"
)

var (
	date1 = time.Date(1970, 9, 19, 12, 0, 0, 0, time.UTC)
	date2 = time.Date(2007, 7, 7, 11, 35, 0, 0, time.UTC)
)

func TestFakeTimeSource(t *testing.T) {
	fake := NewFake(date1)

	// Check that a FakeTimeSource can be used as a TimeSource.
	var ts TimeSource = fake
	if got, want := ts.Now(), date1; got != want {
		t.Errorf("ts.Now=%v; want %v", got, want)
	}

	fake.Set(date2)
	if got, want := ts.Now(), date2; got != want {
		t.Errorf("ts.Now=%v; want %v", got, want)
	}

	if got, want := fake.Advance(time.Minute), date2.Add(time.Minute); got != want {
		t.Errorf("fake.Advance=%v; want %v", got, want)
	}
}

func TestSecondsSince(t *testing.T) {
	delta := 8 * time.Second
	date3 := date2.Add(delta)

	var ts TimeSource = NewFake(date3)
	if got, want := SecondsSince(ts, date2), delta.Seconds(); got != want {
		t.Errorf("SecondsSince=%v; want %v", got, want)
	}
}

func checkNotFiring(t *testing.T, timer Timer) {
	t.Helper()
	select {
	case tm := <-timer.Chan():
		t.Errorf("Timer unexpectedly fired at %v", tm)
	case <-time.After(10 * time.Millisecond): // Give some real time to pass.
	}
}

func TestFakeTimerFiresOnce(t *testing.T) {
	ts := NewFake(date1)
	timer := ts.NewTimer(10 * time.Millisecond)

	checkNotFiring(t, timer)
	newTime := date1.Add(9 * time.Millisecond)
	ts.Set(newTime)
	checkNotFiring(t, timer)

	newTime = newTime.Add(1 * time.Millisecond)
	ts.Set(newTime)
	got := <-timer.Chan() // Now it should fire.
	if !got.Equal(newTime) {
		t.Errorf("Timer fired at %v, want %v", got, newTime)
	}

	checkNotFiring(t, timer) // Shouldn't fire any more.
}

func TestFakeTimerStopBeforeFire(t *testing.T) {
	ts := NewFake(date1)
	timer := ts.NewTimer(10 * time.Millisecond)

	checkNotFiring(t, timer)
	if !timer.Stop() {
		t.Error("Stop() returns false, want true")
	}

	ts.Set(date1.Add(20 * time.Millisecond))
	checkNotFiring(t, timer) // Shouldn't fire because it was stopped.
}

func TestFakeTimerStopAfterFire(t *testing.T) {
	ts := NewFake(date1)
	timer := ts.NewTimer(10 * time.Millisecond)
	ts.Set(date1.Add(20 * time.Millisecond)) // Triggers the event.
	if timer.Stop() {
		t.Error("Stop() returns true, want false")
	}
}

func TestSleepContext(t *testing.T) {
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("SleepContext()=%v; want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); err != context.Canceled {
		t.Errorf("SleepContext()=%v; want %v", err, context.Canceled)
	}
}

func TestSleepSourceWakesOnFakeTime(t *testing.T) {
	ts := NewFake(date1)
	done := make(chan error, 1)
	go func() { done <- SleepSource(context.Background(), time.Minute, ts) }()

	// Not enough fake time has passed.
	select {
	case err := <-done:
		t.Fatalf("SleepSource returned early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}

	ts.Advance(time.Minute)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("SleepSource()=%v; want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SleepSource did not wake after fake time advanced")
	}
}
