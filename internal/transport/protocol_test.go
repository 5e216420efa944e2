package transport

import (
	"encoding/json"
	"testing"
)

func TestParseInboundPing(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ping", " ping\n", `{"message":"ping"}`} {
		if got := ParseInbound([]byte(raw)); !got.Ping {
			t.Fatalf("expected %q to parse as ping", raw)
		}
	}
}

func TestParseInboundTranscriptFieldPriority(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		`{"message":"Transcriptions Generated","transcription":"hello world"}`: "hello world",
		`{"text":"from text","transcript":"from transcript"}`:                  "from transcript",
		`{"transcription":"  ","result":"from result"}`:                        "from result",
		`{"partial":"p","streaming":"s"}`:                                      "p",
		`{"streaming":"only streaming"}`:                                       "only streaming",
		`{"transcription":42,"text":"typed"}`:                                  "typed",
	}
	for raw, want := range cases {
		if got := ParseInbound([]byte(raw)); got.Transcript != want || got.Ping {
			t.Fatalf("ParseInbound(%s) = %+v, want transcript %q", raw, got, want)
		}
	}
}

func TestParseInboundIgnoresUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{"message":"hello"}`, `not json`, `[]`, ``, `{"transcription":""}`} {
		if got := ParseInbound([]byte(raw)); got != (Inbound{}) {
			t.Fatalf("expected %q to be ignored, got %+v", raw, got)
		}
	}
}

func TestChunkMessageEncoding(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(ChunkMessage{StreamBytes: "AQA=", Format: FormatRawPCM16, SampleRate: 16000, Channels: 1, ChunkSeconds: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"stream_bytes":"AQA=","format":"raw_pcm_16bit","sample_rate":16000,"channels":1,"chunk_seconds":2}`
	if string(payload) != want {
		t.Fatalf("unexpected chunk json:\n got %s\nwant %s", payload, want)
	}

	payload, _ = json.Marshal(ChunkMessage{StreamBytes: "AQA=", Format: FormatRawPCM16, SampleRate: 16000, Channels: 1, IsFinal: true})
	want = `{"stream_bytes":"AQA=","format":"raw_pcm_16bit","sample_rate":16000,"channels":1,"is_final":true}`
	if string(payload) != want {
		t.Fatalf("unexpected final chunk json:\n got %s\nwant %s", payload, want)
	}
}

func TestStartMessageOmitsBlankEmail(t *testing.T) {
	t.Parallel()

	payload, _ := json.Marshal(NewStartMessage(16000, 1, "  "))
	want := `{"type":"start","format":"raw_pcm_16bit","sample_rate":16000,"channels":1}`
	if string(payload) != want {
		t.Fatalf("unexpected start json: %s", payload)
	}
}
