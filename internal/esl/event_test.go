package esl

import (
	"testing"
	"time"
)

func TestEventName(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"plain", Event{"Event-Name": "CHANNEL_ANSWER"}, "CHANNEL_ANSWER"},
		{"custom with subclass", Event{"Event-Name": "CUSTOM", "Event-Subclass": "sofia::register"}, "sofia::register"},
		{"custom without subclass", Event{"Event-Name": "CUSTOM"}, "CUSTOM"},
		{"empty", Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventVariable(t *testing.T) {
	ev := Event{"variable_call_uuid": "c-77", "variable_sip_to_user": "9001"}
	if got := ev.Variable("call_uuid"); got != "c-77" {
		t.Errorf("Variable(call_uuid) = %q, want c-77", got)
	}
	if got := ev.Variable("missing"); got != "" {
		t.Errorf("Variable(missing) = %q, want empty", got)
	}
}

func TestEventTimestamp(t *testing.T) {
	ev := Event{"Event-Date-Timestamp": "1714068061000000"}
	want := time.UnixMicro(1714068061000000)
	if got := ev.Timestamp(); !got.Equal(want) {
		t.Errorf("Timestamp() = %v, want %v", got, want)
	}

	for name, bad := range map[string]Event{
		"absent":  {},
		"garbage": {"Event-Date-Timestamp": "noon"},
	} {
		t.Run(name, func(t *testing.T) {
			if got := bad.Timestamp(); !got.IsZero() {
				t.Errorf("Timestamp() = %v, want zero time", got)
			}
		})
	}
}

func TestEventAccessors(t *testing.T) {
	ev := Event{
		"Unique-ID":    "u-1",
		"Job-UUID":     "j-1",
		"Content-Type": ctEventPlain,
		"Reply-Text":   "+OK",
		bodyKey:        "hello\n",
	}
	if got := ev.UUID(); got != "u-1" {
		t.Errorf("UUID() = %q", got)
	}
	if got := ev.JobUUID(); got != "j-1" {
		t.Errorf("JobUUID() = %q", got)
	}
	if got := ev.ContentType(); got != ctEventPlain {
		t.Errorf("ContentType() = %q", got)
	}
	if got := ev.ReplyText(); got != "+OK" {
		t.Errorf("ReplyText() = %q", got)
	}
	if got := ev.Body(); got != "hello\n" {
		t.Errorf("Body() = %q", got)
	}
	if !ev.Has("Unique-ID") || ev.Has("Nope") {
		t.Error("Has() misreported header presence")
	}
}
