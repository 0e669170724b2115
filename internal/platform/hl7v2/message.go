// Package hl7v2 decodes legacy segmented clinical messages into
// structured form. Decoding is purely structural: segments split on
// the carriage-return terminator, fields on '|', components on '^'.
// No clinical meaning is interpreted.
package hl7v2

import (
	"strings"

	"github.com/ehr/integration-hub/pkg/integration"
)

// Message is a structurally decoded legacy message.
type Message struct {
	Type         string // MSH-9, e.g. "ADT^A01"
	ControlID    string // MSH-10
	SendingApp   string // MSH-3
	ReceivingApp string // MSH-5
	Segments     []Segment
}

// Segment is one decoded segment: a three-letter type tag and its
// ordered fields.
type Segment struct {
	Type   string
	Fields []string
}

// Parse decodes a raw message. Segments are terminated by carriage
// return; LF and CRLF line endings are tolerated since partners are
// inconsistent about framing. The first segment must be an MSH header
// or the message is rejected as malformed.
func Parse(raw string) (*Message, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &integration.MalformedMessage{Reason: "empty message"}
	}

	text := strings.ReplaceAll(raw, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, &integration.MalformedMessage{Reason: "no segments"}
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, &integration.MalformedMessage{Reason: "first segment is not MSH"}
	}

	msg := &Message{}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, parseSegment(line))
	}

	msh := msg.Segments[0]
	// MSH numbering is shifted by one: the field separator itself is
	// MSH-1, so Fields[i] holds MSH-(i+1).
	msg.SendingApp = msh.Field(3)
	msg.ReceivingApp = msh.Field(5)
	msg.Type = msh.Field(9)
	msg.ControlID = msh.Field(10)

	if msg.Type == "" {
		return nil, &integration.MalformedMessage{Reason: "MSH segment missing message type"}
	}

	return msg, nil
}

func parseSegment(line string) Segment {
	if strings.HasPrefix(line, "MSH") && len(line) > 3 {
		// For MSH the separator after the tag is MSH-1 itself, so the
		// fields slice starts with it.
		rest := strings.Split(line[4:], "|")
		fields := make([]string, 0, len(rest)+1)
		fields = append(fields, "|")
		fields = append(fields, rest...)
		return Segment{Type: "MSH", Fields: fields}
	}

	parts := strings.Split(line, "|")
	return Segment{Type: parts[0], Fields: parts[1:]}
}

// Field returns the 1-based field value, or "" when absent. For MSH,
// index 1 is the field separator itself.
func (s Segment) Field(index int) string {
	i := index - 1
	if i < 0 || i >= len(s.Fields) {
		return ""
	}
	return s.Fields[i]
}

// Component returns the 1-based component of the 1-based field,
// splitting on '^'.
func (s Segment) Component(fieldIdx, compIdx int) string {
	comps := strings.Split(s.Field(fieldIdx), "^")
	i := compIdx - 1
	if i < 0 || i >= len(comps) {
		return ""
	}
	return comps[i]
}

// Segment returns the first segment with the given type tag, or nil.
func (m *Message) Segment(typ string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Type == typ {
			return &m.Segments[i]
		}
	}
	return nil
}

// PatientID returns PID-3.1, the first component of the patient
// identifier field, or "" when the message has no PID segment.
func (m *Message) PatientID() string {
	pid := m.Segment("PID")
	if pid == nil {
		return ""
	}
	return pid.Component(3, 1)
}

// PatientName returns the family and given names from PID-5
// (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.Segment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.Component(5, 1), pid.Component(5, 2)
}
