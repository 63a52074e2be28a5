// Package sse parses server-sent-event text streams into {event,data} records.
//
// Unlike a one-shot io.Reader parser, Framer is feed-based: callers push
// arbitrarily-chunked bytes as they arrive off the wire (an HTTP response body
// read in 4KB chunks, a WebSocket frame, whatever) and the framer buffers a
// partial record until a blank line completes it.
package sse

import "strings"

// Record is one completed SSE event: its event name (if any) and its joined
// data payload.
type Record struct {
	Event string
	Data  string
}

// Framer is a pure transformer: no I/O, no concurrency. It is safe to use
// from a single goroutine only, matching the single-threaded agent runner
// that owns it.
type Framer struct {
	eventName string
	dataLines []string
	hasData   bool
	pending   string // carries a possibly-incomplete trailing line across Feed calls
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Reset clears any buffered partial input and in-progress record fields.
// Callers invoke this between turns/requests so a dangling partial record
// from a previous stream never bleeds into the next one.
func (f *Framer) Reset() {
	f.eventName = ""
	f.dataLines = nil
	f.hasData = false
	f.pending = ""
}

// Feed appends a chunk of raw SSE text and returns every record completed by
// it, in order. A chunk may complete zero, one, or many records, and may also
// leave a new partial line buffered for the next Feed call.
func (f *Framer) Feed(chunk string) []Record {
	if chunk == "" {
		return nil
	}
	f.pending += chunk

	var records []Record
	for {
		idx := strings.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		line := f.pending[:idx]
		f.pending = f.pending[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		if rec, ok := f.consumeLine(line); ok {
			records = append(records, rec)
		}
	}
	return records
}

// consumeLine processes one logical SSE line (without its trailing newline)
// and reports a completed record when a blank line closes one.
func (f *Framer) consumeLine(line string) (Record, bool) {
	if line == "" {
		if !f.hasData && f.eventName == "" {
			return Record{}, false
		}
		rec := Record{
			Event: f.eventName,
			Data:  strings.Join(f.dataLines, "\n"),
		}
		f.eventName = ""
		f.dataLines = nil
		f.hasData = false
		return rec, true
	}

	if strings.HasPrefix(line, ":") {
		// comment line, ignored
		return Record{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		f.eventName = value
	case "data":
		f.dataLines = append(f.dataLines, value)
		f.hasData = true
	default:
		// other SSE fields (id:, retry:) are accepted but not modeled
	}
	return Record{}, false
}

// splitField tolerates both "name:value" and "name: value".
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}
