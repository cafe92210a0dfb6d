package recorder

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAppendPreservesArrivalOrder(t *testing.T) {
	r := New(1024, 1024)
	for i := 0; i < 5; i++ {
		r.Append(Record{Cmd: fmt.Sprintf("cmd-%d", i)})
	}

	snap := r.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("len = %d, want 5", len(snap))
	}
	for i, rec := range snap {
		if rec.Cmd != fmt.Sprintf("cmd-%d", i) {
			t.Fatalf("record %d = %q, out of order", i, rec.Cmd)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(1024, 1024)
	r.Append(Record{Cmd: "one"})

	snap := r.Snapshot()
	snap[0].Cmd = "mutated"

	if got := r.Snapshot()[0].Cmd; got != "one" {
		t.Fatalf("snapshot mutation leaked into recorder: %q", got)
	}
}

func TestAppendTruncatesTails(t *testing.T) {
	r := New(8, 4)
	r.Append(Record{
		Cmd:        "noisy",
		StdoutTail: "0123456789abcdef",
		StderrTail: "xxxxyyyy",
	})

	rec := r.Snapshot()[0]
	if !strings.HasSuffix(rec.StdoutTail, "9abcdef") || !strings.HasPrefix(rec.StdoutTail, truncationMark) {
		t.Fatalf("stdout tail = %q", rec.StdoutTail)
	}
	if !strings.HasSuffix(rec.StderrTail, "yyyy") {
		t.Fatalf("stderr tail = %q", rec.StderrTail)
	}
}

func TestSince(t *testing.T) {
	r := New(1024, 1024)
	for i := 0; i < 4; i++ {
		r.Append(Record{Cmd: fmt.Sprintf("cmd-%d", i)})
	}

	delta := r.Since(2)
	if len(delta) != 2 || delta[0].Cmd != "cmd-2" || delta[1].Cmd != "cmd-3" {
		t.Fatalf("Since(2) = %+v", delta)
	}
	if got := r.Since(10); got != nil {
		t.Fatalf("Since past end = %+v, want nil", got)
	}
}

// Per-agent program order must survive concurrent appends from siblings.
func TestConcurrentAppendKeepsPerAgentOrder(t *testing.T) {
	r := New(1024, 1024)

	const agents = 4
	const perAgent = 50
	var wg sync.WaitGroup
	for a := 0; a < agents; a++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				r.Append(Record{
					AgentID: fmt.Sprintf("agent-%d", agent),
					Cmd:     fmt.Sprintf("cmd-%d", i),
				})
			}
		}(a)
	}
	wg.Wait()

	snap := r.Snapshot()
	if len(snap) != agents*perAgent {
		t.Fatalf("len = %d, want %d", len(snap), agents*perAgent)
	}

	next := make(map[string]int)
	for _, rec := range snap {
		want := fmt.Sprintf("cmd-%d", next[rec.AgentID])
		if rec.Cmd != want {
			t.Fatalf("agent %s: got %q, want %q", rec.AgentID, rec.Cmd, want)
		}
		next[rec.AgentID]++
	}
}

func TestTail(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"0123456789", 4, truncationMark + "6789"},
		{"anything", 0, ""},
		{"anything", -1, ""},
	}
	for _, tc := range cases {
		if got := Tail(tc.in, tc.limit); got != tc.want {
			t.Fatalf("Tail(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}

func TestTailWriter(t *testing.T) {
	w := NewTailWriter(4)
	w.Write([]byte("0123"))
	if got := w.String(); got != "0123" {
		t.Fatalf("tail = %q", got)
	}
	w.Write([]byte("4567"))
	if got := w.String(); got != truncationMark+"4567" {
		t.Fatalf("tail = %q", got)
	}

	// A single oversized write keeps only its own end.
	w2 := NewTailWriter(4)
	w2.Write([]byte("abcdefgh"))
	if got := w2.String(); got != truncationMark+"efgh" {
		t.Fatalf("tail = %q", got)
	}
}

func TestTailWriterTee(t *testing.T) {
	var sb strings.Builder
	w := NewTeeTailWriter(4, &sb)
	w.Write([]byte("hello world"))
	if sb.String() != "hello world" {
		t.Fatalf("tee target = %q", sb.String())
	}
	if got := w.String(); !strings.HasSuffix(got, "orld") {
		t.Fatalf("tail = %q", got)
	}
}

func TestRecordDurationPassthrough(t *testing.T) {
	r := New(16, 16)
	r.Append(Record{Cmd: "sleep", Duration: 1500 * time.Millisecond})
	if got := r.Snapshot()[0].Duration; got != 1500*time.Millisecond {
		t.Fatalf("duration = %v", got)
	}
}
