// Package sse decodes a text/event-stream response body into events.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultEventType is the type of events that carry no event field
const DefaultEventType = "message"

const maxLineSize = 1 << 20

// Event is one dispatched server-sent event
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry time.Duration // zero unless the server sent a retry field with this event
}

// Decoder reads events from a stream
type Decoder struct {
	scanner *bufio.Scanner
	lastID  string
	retry   time.Duration
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner}
}

// LastEventID returns the most recent id field seen on the stream
func (d *Decoder) LastEventID() string { return d.lastID }

// Retry returns the most recent reconnection time sent by the server, or zero
func (d *Decoder) Retry() time.Duration { return d.retry }

// Next blocks until a complete event is available. It returns io.EOF when
// the stream ends cleanly; an event cut off by the end of stream is dropped.
func (d *Decoder) Next() (Event, error) {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
		retry     time.Duration
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !hasData {
				// nothing to dispatch; the event type does not carry over
				eventType = ""
				retry = 0
				continue
			}
			if eventType == "" {
				eventType = DefaultEventType
			}
			return Event{
				ID:    d.lastID,
				Type:  eventType,
				Data:  strings.TrimSuffix(data.String(), "\n"),
				Retry: retry,
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			// comment, used by servers as keep-alive
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "event":
			eventType = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
				d.retry = retry
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// scanLines splits on \n, \r\n or a lone \r
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// \r: need one more byte to know whether a \n follows
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
