package relay

import (
	"fmt"
	"testing"
)

func TestReplayKey(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{
			name: "operator state keyed by session",
			data: `{"type":"operator_state","session_id":"s1","state":"busy"}`,
			want: "operator_state:s1",
		},
		{
			name: "tts state is replayable",
			data: `{"type":"tts_state","session_id":"s1","phase":"queued"}`,
			want: "tts_state:s1",
		},
		{
			name: "missing session falls back to default",
			data: `{"type":"operator_prompt"}`,
			want: "operator_prompt:-",
		},
		{
			name: "mouth telemetry is ephemeral",
			data: `{"type":"tts_mouth","session_id":"s1","open":0.4}`,
			want: "",
		},
		{
			name: "say requests are never replayed",
			data: `{"type":"say","session_id":"s1","text":"hi"}`,
			want: "",
		},
		{
			name: "invalid json yields no key",
			data: `{"type":`,
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := replayKey([]byte(tc.data)); got != tc.want {
				t.Fatalf("replayKey(%s) = %q, want %q", tc.data, got, tc.want)
			}
		})
	}
}

func TestReplayCacheKeepsLatestPerKey(t *testing.T) {
	c := newReplayCache(4)
	c.remember("operator_state:s1", []byte("old"))
	c.remember("operator_state:s1", []byte("new"))

	snap := c.snapshot()
	if len(snap) != 1 || string(snap[0]) != "new" {
		t.Fatalf("snapshot = %q, want just the latest payload for the key", snap)
	}
}

func TestReplayCacheEvictsOldestAtCapacity(t *testing.T) {
	c := newReplayCache(3)
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("operator_state:s%d", i)
		c.remember(key, []byte(key))
	}

	snap := c.snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want capacity 3", len(snap))
	}
	if string(snap[0]) != "operator_state:s1" || string(snap[2]) != "operator_state:s3" {
		t.Fatalf("snapshot = %q, want oldest entry evicted", snap)
	}
}

func TestReplayCacheIgnoresEmptyKey(t *testing.T) {
	c := newReplayCache(4)
	c.remember("", []byte("nope"))
	if snap := c.snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot = %q, want empty", snap)
	}
}
