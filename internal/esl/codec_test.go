package esl

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func eventFrame(inner string) string {
	return fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", len(inner), inner)
}

func heartbeatFrame() string {
	inner := "Event-Name: HEARTBEAT\n" +
		"Core-UUID: 3f2a9e7c-1111-4222-8333-944445555666\n" +
		"Event-Date-Timestamp: 1714068061000000\n" +
		"Event-Info: System%20Ready\n\n"
	return eventFrame(inner)
}

func backgroundJobFrame(jobUUID, body string) string {
	inner := fmt.Sprintf("Event-Name: BACKGROUND_JOB\nJob-UUID: %s\nJob-Command: originate\nContent-Length: %d\n\n%s",
		jobUUID, len(body), body)
	return eventFrame(inner)
}

func feedChunked(t *testing.T, stream []byte, size int) []Event {
	t.Helper()
	dec := &Decoder{}
	var out []Event
	for start := 0; start < len(stream); start += size {
		end := start + size
		if end > len(stream) {
			end = len(stream)
		}
		evs, err := dec.Feed(stream[start:end])
		if err != nil {
			t.Fatalf("Feed chunk at %d (size %d): %v", start, size, err)
		}
		out = append(out, evs...)
	}
	if dec.Pending() {
		t.Fatalf("chunk size %d: decoder still pending after full stream", size)
	}
	return out
}

func TestDecoderRefeed(t *testing.T) {
	stream := []byte("Content-Type: auth/request\n\n" +
		"Content-Type: command/reply\nReply-Text: +OK accepted\n\n" +
		heartbeatFrame() +
		backgroundJobFrame("d8c7f660-37a6-4e9b-9f3c-1a2b3c4d5e6f", "+OK 1 Sessions\n") +
		"Content-Type: text/disconnect-notice\nContent-Length: 23\n\nDisconnected, goodbye.\n")

	want := feedChunked(t, stream, len(stream))
	if len(want) != 5 {
		t.Fatalf("frame count = %d, want 5", len(want))
	}

	for _, size := range []int{1, 2, 3, 5, 8, 13, 64, 512} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			got := feedChunked(t, stream, size)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("chunked decode diverged from whole-stream decode\ngot:  %v\nwant: %v", got, want)
			}
		})
	}

	hb := want[2]
	if hb.Name() != "HEARTBEAT" {
		t.Errorf("frame 2 name = %q, want HEARTBEAT", hb.Name())
	}
	if got := hb.Get("Event-Info"); got != "System Ready" {
		t.Errorf("Event-Info = %q, want decoded %q", got, "System Ready")
	}

	bj := want[3]
	if bj.Name() != EventBackgroundJob {
		t.Errorf("frame 3 name = %q, want BACKGROUND_JOB", bj.Name())
	}
	if got := bj.JobUUID(); got != "d8c7f660-37a6-4e9b-9f3c-1a2b3c4d5e6f" {
		t.Errorf("Job-UUID = %q", got)
	}
	if got := bj.Body(); got != "+OK 1 Sessions\n" {
		t.Errorf("job body = %q, want %q", got, "+OK 1 Sessions\n")
	}

	disc := want[4]
	if got := disc.Get("Event-Name"); got != EventServerDisconnected {
		t.Errorf("disconnect Event-Name = %q, want SERVER_DISCONNECTED", got)
	}
	if got := disc.Body(); got != "Disconnected, goodbye.\n" {
		t.Errorf("disconnect body = %q", got)
	}
}

func TestDecoderSegmentedFrame(t *testing.T) {
	frame := []byte(eventFrame("Event-Name: CHANNEL_CREATE\nUnique-ID: abc-123\n\n"))
	dec := &Decoder{}

	evs, err := dec.Feed(frame[:10])
	if err != nil {
		t.Fatalf("Feed(first segment): %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("first segment produced %d frames, want 0", len(evs))
	}
	if !dec.Pending() {
		t.Error("Pending() = false after partial header bytes")
	}

	evs, err = dec.Feed(frame[10 : len(frame)-5])
	if err != nil {
		t.Fatalf("Feed(second segment): %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("second segment produced %d frames, want 0", len(evs))
	}
	if !dec.Pending() {
		t.Error("Pending() = false with body bytes outstanding")
	}
	if dec.BytesNeeded() == 0 {
		t.Error("BytesNeeded() = 0 with headers complete and body outstanding")
	}

	evs, err = dec.Feed(frame[len(frame)-5:])
	if err != nil {
		t.Fatalf("Feed(final segment): %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("final segment produced %d frames, want 1", len(evs))
	}
	if dec.Pending() {
		t.Error("Pending() = true after frame completed")
	}

	ev := evs[0]
	if ev.Name() != "CHANNEL_CREATE" {
		t.Errorf("name = %q, want CHANNEL_CREATE", ev.Name())
	}
	if ev.UUID() != "abc-123" {
		t.Errorf("uuid = %q, want abc-123", ev.UUID())
	}
}

func TestDecoderCustomSubclass(t *testing.T) {
	frame := eventFrame("Event-Name: CUSTOM\nEvent-Subclass: sofia%3A%3Aregister\nUnique-ID: u1\n\n")
	dec := &Decoder{}
	evs, err := dec.Feed([]byte(frame))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("frames = %d, want 1", len(evs))
	}
	if got := evs[0].Name(); got != "sofia::register" {
		t.Errorf("Name() = %q, want sofia::register", got)
	}
	if got := evs[0].Get("Event-Name"); got != EventCustom {
		t.Errorf("Event-Name = %q, want CUSTOM", got)
	}
}

func TestDecoderHeaderContinuation(t *testing.T) {
	frame := "Content-Type: command/reply\nReply-Text: +OK accepted\nsecond line\n\n"
	dec := &Decoder{}
	evs, err := dec.Feed([]byte(frame))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("frames = %d, want 1", len(evs))
	}
	want := "+OK accepted\nsecond line"
	if got := evs[0].ReplyText(); got != want {
		t.Errorf("Reply-Text = %q, want %q", got, want)
	}
}

func TestDecoderBodyWithBlankLines(t *testing.T) {
	body := "+OK\n\nUP 0 years, 0 days\n\n1 session\n"
	frame := fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
	dec := &Decoder{}
	evs, err := dec.Feed([]byte(frame))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("frames = %d, want 1", len(evs))
	}
	if got := evs[0].Body(); got != body {
		t.Errorf("body = %q, want %q (blank lines inside the body must not split the frame)", got, body)
	}
}

func TestDecoderEscapes(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"encoded space", "Foo%20Bar", "Foo Bar"},
		{"encoded colons", "sofia%3A%3Aregister", "sofia::register"},
		{"plain value", "NORMAL_CLEARING", "NORMAL_CLEARING"},
		{"bare percent kept raw", "100%", "100%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := eventFrame("Event-Name: CHANNEL_DATA\nCaller-Caller-ID-Name: " + tt.value + "\n\n")
			dec := &Decoder{}
			evs, err := dec.Feed([]byte(frame))
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if len(evs) != 1 {
				t.Fatalf("frames = %d, want 1", len(evs))
			}
			if got := evs[0].Get("Caller-Caller-ID-Name"); got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecoderBadContentLength(t *testing.T) {
	for _, raw := range []string{"abc", "-5"} {
		t.Run(raw, func(t *testing.T) {
			frame := "Content-Length: " + raw + "\nContent-Type: text/event-plain\n\n"
			dec := &Decoder{}
			if _, err := dec.Feed([]byte(frame)); err == nil {
				t.Errorf("Feed with Content-Length %q: want error, got nil", raw)
			}
		})
	}
}

func TestDecoderHeaderBlockOverflow(t *testing.T) {
	dec := &Decoder{}
	junk := []byte(strings.Repeat("a", maxHeaderBlock+2))
	if _, err := dec.Feed(junk); err == nil {
		t.Error("Feed of unterminated oversized header block: want error, got nil")
	}
}

func TestEncodeEventRoundTrip(t *testing.T) {
	in := Event{
		"Event-Name":    EventBackgroundJob,
		"Job-UUID":      "aaaa-bbbb",
		"Job-Command":   "originate",
		"Custom-Header": "two words",
		bodyKey:         "+OK cafe-babe\n",
	}
	dec := &Decoder{}
	evs, err := dec.Feed(EncodeEvent(in))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("frames = %d, want 1", len(evs))
	}
	out := evs[0]
	if out.Name() != EventBackgroundJob {
		t.Errorf("name = %q", out.Name())
	}
	if out.JobUUID() != "aaaa-bbbb" {
		t.Errorf("job uuid = %q", out.JobUUID())
	}
	if got := out.Get("Custom-Header"); got != "two words" {
		t.Errorf("custom header = %q, want %q", got, "two words")
	}
	if got := out.Body(); got != "+OK cafe-babe\n" {
		t.Errorf("body = %q, want %q", got, "+OK cafe-babe\n")
	}
	if got := out.ContentType(); got != ctEventPlain {
		t.Errorf("content type = %q, want %q", got, ctEventPlain)
	}
}
