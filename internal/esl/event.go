// Package esl implements the FreeSWITCH event socket wire protocol: frame
// decoding, reply/event multiplexing, and the client side of one TCP link.
package esl

import (
	"log/slog"
	"strconv"
	"time"
)

// bodyKey is the reserved header name under which a frame's body is stored.
const bodyKey = "_body"

// Standard event names synthesized or treated specially by this package.
const (
	EventCustom             = "CUSTOM"
	EventBackgroundJob      = "BACKGROUND_JOB"
	EventServerDisconnected = "SERVER_DISCONNECTED"
)

// Event is one decoded frame: a header-name to header-value mapping with an
// optional body. Values are percent-decoded. Lookups are unordered.
type Event map[string]string

// Get returns the value of the named header, or "" when absent.
func (e Event) Get(name string) string { return e[name] }

// Has reports whether the named header is present.
func (e Event) Has(name string) bool {
	_, ok := e[name]
	return ok
}

// Name returns the event name. For CUSTOM events the subclass name is
// returned so subscribed application names match directly.
func (e Event) Name() string {
	name := e["Event-Name"]
	if name == EventCustom {
		if sub := e["Event-Subclass"]; sub != "" {
			return sub
		}
	}
	return name
}

// ContentType returns the frame's Content-Type header.
func (e Event) ContentType() string { return e["Content-Type"] }

// UUID returns the channel id carried in Unique-ID.
func (e Event) UUID() string { return e["Unique-ID"] }

// JobUUID returns the background job id carried in Job-UUID.
func (e Event) JobUUID() string { return e["Job-UUID"] }

// ReplyText returns the Reply-Text header of a command/reply frame.
func (e Event) ReplyText() string { return e["Reply-Text"] }

// Body returns the frame body, or "" when the frame had none.
func (e Event) Body() string { return e[bodyKey] }

// SetBody attaches a frame body to the event, replacing any existing one.
func (e Event) SetBody(body string) { e[bodyKey] = body }

// Variable returns the value of the named channel variable.
func (e Event) Variable(name string) string { return e["variable_"+name] }

// Timestamp returns the server-side time of the event parsed from
// Event-Date-Timestamp (microseconds). The zero time is returned when the
// header is absent or unparseable.
func (e Event) Timestamp() time.Time {
	raw := e["Event-Date-Timestamp"]
	if raw == "" {
		return time.Time{}
	}
	usec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(usec)
}

// LogValue implements slog.LogValuer so events log compactly.
func (e Event) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 3)
	if name := e.Name(); name != "" {
		attrs = append(attrs, slog.String("name", name))
	} else if ct := e.ContentType(); ct != "" {
		attrs = append(attrs, slog.String("content_type", ct))
	}
	if uuid := e.UUID(); uuid != "" {
		attrs = append(attrs, slog.String("uuid", uuid))
	}
	if job := e.JobUUID(); job != "" {
		attrs = append(attrs, slog.String("job_uuid", job))
	}
	return slog.GroupValue(attrs...)
}
