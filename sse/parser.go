package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Parser incrementally decodes server-sent events from a byte stream.
// Comment lines (":" prefix) and empty data are skipped; events are
// delimited by blank lines; malformed field lines are ignored rather than
// aborting the stream.
type Parser struct {
	scanner *bufio.Scanner
}

// maxLineBytes bounds a single SSE line; provider chunks are small, but
// tool-call arguments can inflate data lines well past bufio's default.
const maxLineBytes = 1 << 20

// NewParser wraps r in an event parser.
func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Parser{scanner: sc}
}

// Next returns the next event, or io.EOF when the stream ends. A stream
// that ends after data lines but before the closing blank line still
// yields that last event.
func (p *Parser) Next() (Event, error) {
	var (
		ev      Event
		dataSet bool
		lines   []string
	)
	for p.scanner.Scan() {
		line := strings.TrimSuffix(p.scanner.Text(), "\r")
		if line == "" {
			if dataSet {
				ev.Data = strings.Join(lines, "\n")
				return ev, nil
			}
			// Blank line with no data: either a heartbeat separator or an
			// event carrying only id/event fields. Reset and keep reading.
			ev = Event{}
			lines = lines[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if value == "" {
				break // empty data lines are skipped
			}
			dataSet = true
			lines = append(lines, value)
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = ms
			}
		}
		// Unknown fields are ignored per the SSE spec.
	}
	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}
	if dataSet {
		ev.Data = strings.Join(lines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
