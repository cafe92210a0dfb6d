package protocol

import (
	"strings"
	"testing"
)

func TestAgentTypeReadOnly(t *testing.T) {
	cases := []struct {
		typ  AgentType
		want bool
	}{
		{AgentExplore, true},
		{AgentReview, true},
		{AgentEditor, false},
	}
	for _, tc := range cases {
		if got := tc.typ.ReadOnly(); got != tc.want {
			t.Fatalf("%s.ReadOnly() = %v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestAgentTypeValid(t *testing.T) {
	if !AgentEditor.Valid() {
		t.Fatal("editor should be valid")
	}
	if AgentType("janitor").Valid() {
		t.Fatal("unknown type should be invalid")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame("m1", "", TagStartWorker, StartWorker{
		WorktreePath: "/tmp/wt",
		BaselineRef:  "main",
		Task:         "do the thing",
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Tag != TagStartWorker || f.MessageID != "m1" {
		t.Fatalf("frame = %+v", f)
	}

	payload, err := DecodePayload[StartWorker](f)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.BaselineRef != "main" || payload.Task != "do the thing" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestDecodePayloadEmptyIsZeroValue(t *testing.T) {
	f := Frame{Tag: TagCancelWorker, MessageID: "m2"}
	payload, err := DecodePayload[CancelWorker](f)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload == nil {
		t.Fatal("payload should be non-nil zero value")
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	f := Frame{Tag: TagProgress, MessageID: "m3", Payload: []byte(`{"note": 12`)}
	if _, err := DecodePayload[Progress](f); err == nil {
		t.Fatal("expected error for malformed payload")
	} else if !strings.Contains(err.Error(), TagProgress) {
		t.Fatalf("error should name the tag: %v", err)
	}
}

// Diffs and prompts carry arbitrary bytes; the envelope must survive them.
func TestFrameCarriesArbitraryBytes(t *testing.T) {
	diff := "--- a/x\n+++ b/x\n@@ -0,0 +1 @@\n+\x00\x1b[31mred\x1b[0m\tπ\nweird   separators\n"
	f, err := NewFrame("m4", "", TagWorkerResult, WorkerResult{
		Summary: "done",
		Diff:    diff,
		Status:  StatusCompleted,
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	payload, err := DecodePayload[WorkerResult](f)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Diff != diff {
		t.Fatalf("diff corrupted in transit:\n%q\n%q", payload.Diff, diff)
	}
}
