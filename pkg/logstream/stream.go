// Package logstream implements the Log Event Stream: it tees a child
// process's stdout into a durable sink while scanning it line by line for
// configured substrings, and delivers named events to listeners on the
// reader goroutine.
package logstream

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/galvan/pkg/logging"
)

// Event is delivered to a Listener when a registered substring matches a
// completed line.
type Event struct {
	Name string
	Line string
}

// Listener receives events on the reader goroutine and must return
// quickly: blocking here stalls further stdout consumption (spec.md §4.1).
type Listener func(Event)

// Rule pairs a substring with the event name fired when a line contains
// it. Rules are matched in registration order, and a line may fire more
// than one event.
type Rule struct {
	Substring string
	EventName string
}

// Stream reads a child's stdout, tees every byte to Sink, and dispatches
// Events to registered listeners as lines complete.
type Stream struct {
	sink   io.Writer
	logger logging.Logger
	rules  []Rule

	mu        sync.Mutex
	listeners map[string][]Listener
}

// New creates a Stream that tees to sink (typically a multi-writer of
// stdout.log and the harness log) and matches the given ordered rules.
func New(sink io.Writer, logger logging.Logger, rules []Rule) *Stream {
	return &Stream{
		sink:      sink,
		logger:    logger,
		rules:     rules,
		listeners: make(map[string][]Listener),
	}
}

// On registers a listener for eventName. Per spec.md §9's resolution of
// the double-registered-listener open question, only one listener is ever
// bound per name in this harness, but the API itself does not forbid more.
func (s *Stream) On(eventName string, listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[eventName] = append(s.listeners[eventName], listener)
}

// Pump copies r into the sink while scanning line by line, dispatching
// events as lines complete. It returns when r is exhausted or errors.
// A partial final line (no trailing newline) is discarded, per spec.md
// §4.1.
func (s *Stream) Pump(r io.Reader) error {
	tee := io.TeeReader(r, s.sink)
	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCompleteLines)

	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Infof("%s", line)
		s.dispatch(line)
	}
	return scanner.Err()
}

// scanCompleteLines is bufio.ScanLines with the trailing partial-line
// fallback removed: a final line with no newline before EOF is discarded
// rather than returned, per spec.md §4.1.
func scanCompleteLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[0:i]), nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[0 : len(data)-1]
	}
	return data
}

func (s *Stream) dispatch(line string) {
	for _, rule := range s.rules {
		if !strings.Contains(line, rule.Substring) {
			continue
		}
		s.mu.Lock()
		listeners := append([]Listener(nil), s.listeners[rule.EventName]...)
		s.mu.Unlock()

		for _, listener := range listeners {
			listener(Event{Name: rule.EventName, Line: line})
		}
	}
}

// Event names used by the interlock (spec.md §4.1). Semantically fixed;
// the substrings that trigger them are configured via Rule.
const (
	EventPID     = "PID"
	EventActive  = "ACTIVE"
	EventPassive = "PASSIVE"
	EventZap     = "ZAP"
	EventWarn    = "WARN"
	EventError   = "ERROR"
)

// SubstringPID, SubstringActive, ... are the literal stdout substrings
// spec.md §4.1 / §6 fixes for the observability contract.
const (
	SubstringPID     = "PID is"
	SubstringActive  = "has started up as ACTIVE node"
	SubstringPassive = "Moved to State[ PASSIVE-STANDBY ]"
	SubstringZap     = "Restarting the server"
	SubstringWarn    = "WARN"
	SubstringError   = "ERROR"
)

// DefaultRules returns the fixed substring-to-event mapping spec.md §4.1
// requires, in the registration order that determines multi-match
// delivery order.
func DefaultRules() []Rule {
	return []Rule{
		{Substring: SubstringPID, EventName: EventPID},
		{Substring: SubstringActive, EventName: EventActive},
		{Substring: SubstringPassive, EventName: EventPassive},
		{Substring: SubstringZap, EventName: EventZap},
		{Substring: SubstringWarn, EventName: EventWarn},
		{Substring: SubstringError, EventName: EventError},
	}
}

var pidLineRegexp = regexp.MustCompile(`PID is ([0-9]+)`)

// ParsePID extracts the decimal PID from a line matching spec.md §4.1's
// `/PID is ([0-9]+)/`. ok is false if the line doesn't match, in which
// case the line is a diagnostic-only near-miss and must be ignored.
func ParsePID(line string) (pid int, ok bool) {
	match := pidLineRegexp.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return value, true
}
