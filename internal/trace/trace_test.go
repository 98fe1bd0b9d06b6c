package trace

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevelShouldEmit(t *testing.T) {
	cases := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeRuntime, false},
		{LevelSched, ScopeScheduler, true},
		{LevelSched, ScopeTask, false},
		{LevelTask, ScopeTask, true},
		{LevelTask, ScopeOp, false},
		{LevelDebug, ScopeOp, true},
	}
	for _, tc := range cases {
		if got := tc.level.ShouldEmit(tc.scope); got != tc.want {
			t.Errorf("%v.ShouldEmit(%v) = %v, want %v", tc.level, tc.scope, got, tc.want)
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("ParseLevel accepted an unknown level")
	}
	lvl, err := ParseLevel("debug")
	if err != nil || lvl != LevelDebug {
		t.Fatalf("ParseLevel(debug) = (%v, %v)", lvl, err)
	}
}

func TestRingTracerWrapsAround(t *testing.T) {
	tr := NewRingTracer(3, LevelDebug)
	for i := 0; i < 5; i++ {
		tr.Emit(&Event{
			Time:  time.Now(),
			Kind:  KindPoint,
			Scope: ScopeTask,
			Name:  "spawn",
		})
	}
	events := tr.Snapshot()
	if len(events) != 3 {
		t.Fatalf("snapshot holds %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("snapshot out of order: seq %d before %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestRingTracerFiltersByLevel(t *testing.T) {
	tr := NewRingTracer(16, LevelSched)
	tr.Emit(&Event{Kind: KindPoint, Scope: ScopeScheduler, Name: "steal"})
	tr.Emit(&Event{Kind: KindPoint, Scope: ScopeOp, Name: "resume"})
	events := tr.Snapshot()
	if len(events) != 1 || events[0].Name != "steal" {
		t.Fatalf("snapshot = %+v, want only the scheduler event", events)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := NewRingTracer(16, LevelDebug)
	tr.Emit(&Event{
		Time:     time.Unix(1700000000, 0).UTC(),
		Kind:     KindSpanBegin,
		Scope:    ScopeOp,
		SpanID:   7,
		TaskID:   12,
		WorkerID: 3,
		Name:     "resume",
		Extra:    map[string]string{"queue": "local"},
	})
	tr.Emit(&Event{Kind: KindSpanEnd, Scope: ScopeOp, SpanID: 7, Name: "resume"})

	path := filepath.Join(t.TempDir(), "dump.bin")
	if err := WriteSnapshot(tr, path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.Events) != 2 {
		t.Fatalf("decoded %d events, want 2", len(snap.Events))
	}
	ev := snap.Events[0]
	if ev.TaskID != 12 || ev.WorkerID != 3 || ev.Name != "resume" {
		t.Fatalf("decoded event = %+v", ev)
	}
	if ev.Extra["queue"] != "local" {
		t.Fatalf("extra lost: %+v", ev.Extra)
	}
}

func TestDecodeSnapshotRejectsWrongVersion(t *testing.T) {
	data, err := EncodeSnapshot(nil)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if _, err := DecodeSnapshot(data); err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if _, err := DecodeSnapshot([]byte("not msgpack")); err == nil {
		t.Fatal("DecodeSnapshot accepted garbage")
	}
}

func TestFormatEventNDJSON(t *testing.T) {
	ev := &Event{
		Time:     time.Unix(1700000000, 0).UTC(),
		Seq:      9,
		Kind:     KindPoint,
		Scope:    ScopeScheduler,
		WorkerID: 1,
		Name:     "park",
	}
	out := string(FormatEvent(ev, FormatNDJSON))
	if !strings.Contains(out, `"name":"park"`) {
		t.Fatalf("ndjson output missing name: %s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("ndjson line not newline-terminated")
	}
}
