package esl

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Content types emitted by the server. Everything else is passed through to
// the event queue untouched.
const (
	ctAuthRequest      = "auth/request"
	ctCommandReply     = "command/reply"
	ctAPIResponse      = "api/response"
	ctEventPlain       = "text/event-plain"
	ctDisconnectNotice = "text/disconnect-notice"
)

const (
	// maxHeaderBlock caps the bytes buffered while hunting for a header
	// terminator before the stream is declared broken.
	maxHeaderBlock = 1 << 20
	// maxContentLength caps a frame's declared body size.
	maxContentLength = 16 << 20
)

// headerSep separates a header name from its value.
const headerSep = ": "

// Decoder turns an arbitrarily chunked byte stream into frames. Feeding the
// same stream in different chunkings yields the identical frame sequence.
type Decoder struct {
	buf     []byte
	partial Event // header block decoded, body bytes still owed
	needed  int   // body bytes owed to partial
}

// Pending reports whether the decoder holds an incomplete frame: buffered
// header bytes or a partial event awaiting body bytes.
func (d *Decoder) Pending() bool { return len(d.buf) > 0 || d.partial != nil }

// BytesNeeded returns how many body bytes the stashed partial frame still
// requires, zero when no body is owed.
func (d *Decoder) BytesNeeded() int { return d.needed }

// Feed appends p to the segment buffer and returns all frames completed by
// it. A non-nil error means the stream is unrecoverable and the connection
// must be torn down.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	d.buf = append(d.buf, p...)
	var out []Event

	for {
		if d.partial != nil {
			if len(d.buf) < d.needed {
				return out, nil
			}
			body := d.buf[:d.needed]
			d.buf = d.buf[d.needed:]
			ev := finishFrame(d.partial, body)
			d.partial, d.needed = nil, 0
			out = append(out, ev)
			continue
		}

		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			if len(d.buf) > maxHeaderBlock {
				return out, fmt.Errorf("header block exceeds %d bytes without terminator", maxHeaderBlock)
			}
			return out, nil
		}

		head := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		ev, err := parseHeaders(head)
		if err != nil {
			return out, fmt.Errorf("parsing frame headers: %w", err)
		}

		n, err := contentLength(ev)
		if err != nil {
			return out, err
		}
		if n > 0 {
			if len(d.buf) < n {
				d.partial = ev
				d.needed = n
				return out, nil
			}
			body := d.buf[:n]
			d.buf = d.buf[n:]
			ev = finishFrame(ev, body)
		}
		out = append(out, ev)
	}
}

// contentLength extracts and validates a frame's declared body size.
func contentLength(ev Event) (int, error) {
	raw, ok := ev["Content-Length"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("bad content length %q: %w", raw, err)
	}
	if n < 0 || n > maxContentLength {
		return 0, fmt.Errorf("content length %d out of range", n)
	}
	return n, nil
}

// parseHeaders decodes one header block. Lines are split on the first ": ";
// a line without a separator continues the previous header's value, or the
// body when no header precedes it. Header values are percent-decoded.
func parseHeaders(block []byte) (Event, error) {
	ev := make(Event, 16)
	last := ""
	for _, line := range strings.Split(string(block), "\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, headerSep)
		if !found {
			// Continuation of the previous value, or loose body text.
			key := last
			if key == "" {
				key = bodyKey
			}
			if ev[key] == "" {
				ev[key] = line
			} else {
				ev[key] += "\n" + line
			}
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("empty header name in line %q", line)
		}
		ev[name] = unescape(value)
		last = name
	}
	return ev, nil
}

// unescape percent-decodes a header value. Values the server did not encode
// pass through unchanged; a malformed escape is kept raw rather than
// poisoning the whole frame.
func unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// finishFrame attaches body bytes to a decoded header block. Event payloads
// are parsed as a nested header block (with their own optional body); other
// content types keep the body opaque. Disconnect notices become synthetic
// SERVER_DISCONNECTED events so downstream routing stays uniform.
func finishFrame(outer Event, body []byte) Event {
	switch outer.ContentType() {
	case ctEventPlain:
		inner, rest := splitBody(body)
		ev, err := parseHeaders(inner)
		if err != nil {
			// Keep the frame alive as an opaque body; the dispatcher
			// logs unroutable events.
			outer[bodyKey] = string(body)
			return outer
		}
		if n, nerr := contentLength(ev); nerr == nil && n > 0 && n <= len(rest) {
			ev[bodyKey] = string(rest[:n])
		} else if len(rest) > 0 {
			ev[bodyKey] = string(rest)
		}
		ev["Content-Type"] = ctEventPlain
		return ev
	case ctDisconnectNotice:
		outer["Event-Name"] = EventServerDisconnected
		outer[bodyKey] = string(body)
		return outer
	default:
		outer[bodyKey] = string(body)
		return outer
	}
}

// splitBody cuts an event payload into its header block and trailing body.
func splitBody(body []byte) (headers, rest []byte) {
	if i := bytes.Index(body, []byte("\n\n")); i >= 0 {
		return body[:i], body[i+2:]
	}
	return body, nil
}

// EncodeEvent renders ev as a text/event-plain frame, percent-encoding
// header values the way the server does. Used by tests and tooling to
// synthesize server traffic.
func EncodeEvent(ev Event) []byte {
	var inner bytes.Buffer
	names := make([]string, 0, len(ev))
	for name := range ev {
		if name == bodyKey || name == "Content-Type" || name == "Content-Length" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		inner.WriteString(name)
		inner.WriteString(headerSep)
		inner.WriteString(url.PathEscape(ev[name]))
		inner.WriteByte('\n')
	}
	if body := ev.Body(); body != "" {
		fmt.Fprintf(&inner, "Content-Length%s%d\n", headerSep, len(body))
		inner.WriteByte('\n')
		inner.WriteString(body)
	}

	var frame bytes.Buffer
	fmt.Fprintf(&frame, "Content-Length%s%d\n", headerSep, inner.Len())
	fmt.Fprintf(&frame, "Content-Type%s%s\n\n", headerSep, ctEventPlain)
	frame.Write(inner.Bytes())
	return frame.Bytes()
}

// EncodeReply renders a command/reply frame with the given reply text.
func EncodeReply(replyText string, headers map[string]string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Content-Type%s%s\n", headerSep, ctCommandReply)
	fmt.Fprintf(&b, "Reply-Text%s%s\n", headerSep, replyText)
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s%s%s\n", name, headerSep, headers[name])
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// EncodeAPIResponse renders an api/response frame carrying body.
func EncodeAPIResponse(body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Content-Type%s%s\n", headerSep, ctAPIResponse)
	fmt.Fprintf(&b, "Content-Length%s%d\n\n", headerSep, len(body))
	b.WriteString(body)
	return b.Bytes()
}
