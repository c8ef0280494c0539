package engine_test

import (
	"errors"
	"testing"
	"time"

	"beaconkit/internal/beacon"
	"beaconkit/internal/engine"
	"beaconkit/internal/layout"
	"beaconkit/internal/testutil"
)

// scenarioLayout has one rule per gating policy: a plain enter rule, an exit
// rule with a suppression window, a send-once enter rule, and a delayed
// enter rule.
const scenarioLayout = `{
  "accountProximityUUIDs": ["7367672374000000ffff0000ffff0003"],
  "actions": [
    {
      "eventId": "enter-plain",
      "trigger": 1,
      "beacons": ["7367672374000000ffff0000ffff00034886921321"],
      "action": {"uuid": "a1", "type": 3, "content": {"url": "https://example.com/enter"}}
    },
    {
      "eventId": "exit-suppressed",
      "trigger": 2,
      "beacons": ["7367672374000000ffff0000ffff00034886921321"],
      "suppressionTime": 600,
      "action": {"uuid": "a2", "type": 2, "content": {"url": "https://example.com/exit"}}
    },
    {
      "eventId": "enter-once",
      "trigger": 1,
      "beacons": ["7367672374000000ffff0000ffff00034886921321"],
      "sendOnlyOnce": true,
      "action": {"uuid": "a3", "type": 1, "content": {"subject": "Hi", "body": "Welcome", "url": "https://example.com/once"}}
    },
    {
      "eventId": "enter-delayed",
      "trigger": 1,
      "beacons": ["7367672374000000ffff0000ffff00034886921321"],
      "delay": 60,
      "action": {"uuid": "a4", "type": 3, "content": {"url": "https://example.com/delayed"}}
    }
  ]
}`

type engineFixture struct {
	engine  *engine.Engine
	sink    *testutil.CaptureSink
	clock   *testutil.StubClock
	fetcher *testutil.StubFetcher
}

func newEngineFixture(t *testing.T, opts engine.Options) *engineFixture {
	t.Helper()
	clock := testutil.FixedClock()
	store := testutil.NewTestStore(t)
	fetcher := testutil.NewStubFetcher(&layout.Document{Body: []byte(scenarioLayout)})
	cache := layout.NewCache(fetcher, nil, clock, engine.NewNopLogger())

	if opts.RetryBackoffBase == 0 {
		opts.RetryBackoffBase = time.Millisecond
	}

	e := engine.New(cache, store, engine.NewNopLogger(), clock, testutil.NewStubIDGenerator(), opts)
	t.Cleanup(e.Deinitialize)

	sink := testutil.NewCaptureSink()
	e.AddSink(sink)

	return &engineFixture{engine: e, sink: sink, clock: clock, fetcher: fetcher}
}

func actionUUIDs(actions []layout.BeaconAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.UUID
	}
	return out
}

func TestEngine_SubmitEnter(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
	b := testBeacon(t)

	id, err := f.engine.Submit(b, beacon.EventEnter)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != 1 {
		t.Errorf("request id = %d, want 1", id)
	}

	got := actionUUIDs(f.sink.Actions())
	want := []string{"a1", "a3"}
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// The delayed rule must not have fired yet.
	for _, a := range f.sink.Actions() {
		if a.UUID == "a4" {
			t.Error("delayed action fired immediately")
		}
	}
}

func TestEngine_RequestIDsAreMonotonic(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
	b := testBeacon(t)

	id1, _ := f.engine.Submit(b, beacon.EventEnter)
	id2, _ := f.engine.Submit(b, beacon.EventNone)
	id3, _ := f.engine.Submit(b, beacon.EventExit)

	if !(id1 < id2 && id2 < id3) {
		t.Errorf("ids not increasing: %d, %d, %d", id1, id2, id3)
	}
}

func TestEngine_ActionCarriesRequestID(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})

	id, _ := f.engine.Submit(testBeacon(t), beacon.EventEnter)

	actions := f.sink.Actions()
	if len(actions) == 0 {
		t.Fatal("no actions fired")
	}
	for _, a := range actions {
		if a.RequestID != id {
			t.Errorf("action %s RequestID = %d, want %d", a.UUID, a.RequestID, id)
		}
	}
}

func TestEngine_SendOnlyOnce(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
	b := testBeacon(t)

	f.engine.Submit(b, beacon.EventEnter)
	f.clock.Advance(time.Hour)
	f.engine.Submit(b, beacon.EventEnter)

	onceCount := 0
	plainCount := 0
	for _, a := range f.sink.Actions() {
		switch a.UUID {
		case "a3":
			onceCount++
		case "a1":
			plainCount++
		}
	}
	if onceCount != 1 {
		t.Errorf("send-once action fired %d times, want 1", onceCount)
	}
	if plainCount != 2 {
		t.Errorf("plain action fired %d times, want 2", plainCount)
	}
}

func TestEngine_SuppressionWindow(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
	b := testBeacon(t)

	f.engine.Submit(b, beacon.EventExit)
	f.clock.Advance(5 * time.Minute) // inside the 600s window
	f.engine.Submit(b, beacon.EventExit)

	exits := 0
	for _, a := range f.sink.Actions() {
		if a.UUID == "a2" {
			exits++
		}
	}
	if exits != 1 {
		t.Fatalf("exit action fired %d times inside suppression window, want 1", exits)
	}

	f.clock.Advance(6 * time.Minute) // window elapsed
	f.engine.Submit(b, beacon.EventExit)

	exits = 0
	for _, a := range f.sink.Actions() {
		if a.UUID == "a2" {
			exits++
		}
	}
	if exits != 2 {
		t.Errorf("exit action fired %d times after window elapsed, want 2", exits)
	}
}

func TestEngine_DelayedAction(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
	b := testBeacon(t)

	f.engine.Submit(b, beacon.EventEnter)

	// Not due yet.
	f.clock.Advance(30 * time.Second)
	f.engine.Scheduler().ProcessDue(engine.DefaultDelayedLookahead)
	for _, a := range f.sink.Actions() {
		if a.UUID == "a4" {
			t.Fatal("delayed action fired before its delay elapsed")
		}
	}

	f.clock.Advance(31 * time.Second)
	f.engine.Scheduler().ProcessDue(engine.DefaultDelayedLookahead)

	delayed := 0
	for _, a := range f.sink.Actions() {
		if a.UUID == "a4" {
			delayed++
		}
	}
	if delayed != 1 {
		t.Errorf("delayed action fired %d times, want 1", delayed)
	}
}

func TestEngine_RetryOnFetchFailure(t *testing.T) {
	t.Run("recovers within the attempt budget", func(t *testing.T) {
		clock := testutil.FixedClock()
		store := testutil.NewTestStore(t)
		fetcher := &testutil.StubFetcher{}
		fetcher.Queue(nil, errors.New("connection refused"))
		fetcher.Queue(nil, errors.New("connection refused"))
		fetcher.Queue(&layout.Document{Body: []byte(scenarioLayout)}, nil)
		cache := layout.NewCache(fetcher, nil, clock, engine.NewNopLogger())

		e := engine.New(cache, store, engine.NewNopLogger(), clock, testutil.NewStubIDGenerator(),
			engine.Options{Mode: engine.ModeSync, MaxRetries: 3, RetryBackoffBase: time.Millisecond})
		t.Cleanup(e.Deinitialize)
		sink := testutil.NewCaptureSink()
		e.AddSink(sink)

		e.Submit(testBeacon(t), beacon.EventEnter)

		if len(sink.Actions()) == 0 {
			t.Error("no actions after recovery")
		}
		if len(sink.Failures()) != 0 {
			t.Errorf("unexpected failures: %v", sink.Failures())
		}
	})

	t.Run("reports failure after exhausting attempts", func(t *testing.T) {
		clock := testutil.FixedClock()
		store := testutil.NewTestStore(t)
		fetcher := &testutil.StubFetcher{}
		fetcher.Queue(nil, errors.New("connection refused"))
		cache := layout.NewCache(fetcher, nil, clock, engine.NewNopLogger())

		e := engine.New(cache, store, engine.NewNopLogger(), clock, testutil.NewStubIDGenerator(),
			engine.Options{Mode: engine.ModeSync, MaxRetries: 3, RetryBackoffBase: time.Millisecond})
		t.Cleanup(e.Deinitialize)
		sink := testutil.NewCaptureSink()
		e.AddSink(sink)

		e.Submit(testBeacon(t), beacon.EventEnter)

		if fetcher.Fetches() != 3 {
			t.Errorf("Fetches() = %d, want 3", fetcher.Fetches())
		}
		if len(sink.Failures()) != 1 {
			t.Fatalf("failures = %v, want exactly one", sink.Failures())
		}
		if len(sink.Actions()) != 0 {
			t.Errorf("actions fired despite failure: %v", actionUUIDs(sink.Actions()))
		}
	})
}

func TestEngine_AsyncFIFO(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeAsync})
	b := testBeacon(t)

	drained := make(chan struct{}, 1)
	f.engine.OnQueueDrained(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	// enter fires a1+a3, exit fires a2; order across requests must hold.
	f.engine.Submit(b, beacon.EventEnter)
	f.engine.Submit(b, beacon.EventExit)

	waitDrained(t, f, drained)

	got := actionUUIDs(f.sink.Actions())
	want := []string{"a1", "a3", "a2"}
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// waitDrained waits for the async worker to empty the queue. The worker
// stops and restarts between bursts, so multiple drain events may arrive.
func waitDrained(t *testing.T, f *engineFixture, drained chan struct{}) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-drained:
			// A drain event can fire between two Submits; keep waiting
			// until all expected actions have arrived or quiesce.
			if len(f.sink.Actions()) >= 3 {
				return
			}
		case <-deadline:
			t.Fatalf("queue never drained; actions so far: %v", actionUUIDs(f.sink.Actions()))
		}
	}
}

func TestEngine_Deinitialize(t *testing.T) {
	t.Run("submit after deinitialize is rejected", func(t *testing.T) {
		f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})

		f.engine.Deinitialize()

		if _, err := f.engine.Submit(testBeacon(t), beacon.EventEnter); !errors.Is(err, engine.ErrEngineClosed) {
			t.Errorf("Submit() error = %v, want ErrEngineClosed", err)
		}
	})

	t.Run("deinitialize is idempotent", func(t *testing.T) {
		f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
		f.engine.Deinitialize()
		f.engine.Deinitialize()
	})

	t.Run("no actions fire after deinitialize", func(t *testing.T) {
		f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})
		b := testBeacon(t)

		f.engine.Submit(b, beacon.EventEnter) // persists the delayed record
		f.engine.Deinitialize()

		before := len(f.sink.Actions())
		f.clock.Advance(2 * time.Minute)
		f.engine.Scheduler().ProcessDue(engine.DefaultDelayedLookahead)

		if after := len(f.sink.Actions()); after != before {
			t.Errorf("actions fired after deinitialize: %v", actionUUIDs(f.sink.Actions())[before:])
		}
	})
}

func TestEngine_RemoveSink(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})

	extra := testutil.NewCaptureSink()
	id := f.engine.AddSink(extra)
	f.engine.RemoveSink(id)

	f.engine.Submit(testBeacon(t), beacon.EventEnter)

	if len(extra.Actions()) != 0 {
		t.Error("removed sink still received actions")
	}
	if len(f.sink.Actions()) == 0 {
		t.Error("remaining sink received nothing")
	}
}

func TestEngine_EmptyMatchIsNotAFailure(t *testing.T) {
	f := newEngineFixture(t, engine.Options{Mode: engine.ModeSync})

	// Unknown beacon: layout is valid but nothing matches.
	b, err := beacon.New("b9407f30f5f8466eaff925556b57fe6d", 1, 1)
	if err != nil {
		t.Fatalf("beacon.New() error = %v", err)
	}

	if _, err := f.engine.Submit(b, beacon.EventEnter); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(f.sink.Failures()) != 0 {
		t.Errorf("empty match reported as failure: %v", f.sink.Failures())
	}
	if len(f.sink.Actions()) != 0 {
		t.Errorf("actions fired for unknown beacon: %v", actionUUIDs(f.sink.Actions()))
	}
}
