// Package hl7 parses HL7 v2.x pipe-delimited messages.
package hl7

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotHL7 = errors.New("hl7: first segment must be MSH")

const (
	mllpStart = 0x0b
	mllpEnd   = 0x1c
)

// Message is a parsed HL7 v2 message.
type Message struct {
	Type      string // MSH-9, e.g. "ORU^R01"
	ControlID string // MSH-10
	Version   string // MSH-12
	Timestamp time.Time
	Segments  []Segment
}

// Segment holds field N at Fields[N-1]. For MSH, Fields[0] is the field
// separator and Fields[1] the encoding characters.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is one field split into repetitions and components.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

type encoding struct {
	field        byte
	component    byte
	repetition   byte
	escape       byte
	subcomponent byte
}

var defaultEncoding = encoding{field: '|', component: '^', repetition: '~', escape: '\\', subcomponent: '&'}

// HasHeader reports whether data starts with an MSH segment, ignoring MLLP
// framing and leading whitespace.
func HasHeader(data []byte) bool {
	data = bytes.TrimLeft(data, "\x0b\ufeff \t\r\n")
	return len(data) >= 4 && bytes.HasPrefix(data, []byte("MSH")) && !isAlnum(data[3])
}

// Split separates a batch file into individual messages, each starting at an
// MSH segment. FHS/BHS/BTS/FTS batch envelopes are discarded.
func Split(data []byte) [][]byte {
	lines := segmentLines(string(data))
	var (
		out     [][]byte
		current []string
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, []byte(strings.Join(current, "\r")))
			current = nil
		}
	}
	for _, line := range lines {
		name := segmentName(line)
		switch name {
		case "FHS", "BHS", "BTS", "FTS":
			continue
		case "MSH":
			flush()
		}
		current = append(current, line)
	}
	flush()
	return out
}

// Parse parses a single HL7 message. \r, \n and \r\n segment terminators are
// accepted.
func Parse(raw []byte) (*Message, error) {
	lines := segmentLines(string(raw))
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7: message is empty")
	}
	if segmentName(lines[0]) != "MSH" || len(lines[0]) < 8 {
		return nil, ErrNotHL7
	}

	header := lines[0]
	enc := defaultEncoding
	enc.field = header[3]
	encChars := header[4:]
	if idx := strings.IndexByte(encChars, enc.field); idx >= 0 {
		encChars = encChars[:idx]
	}
	if len(encChars) > 0 {
		enc.component = encChars[0]
	}
	if len(encChars) > 1 {
		enc.repetition = encChars[1]
	}
	if len(encChars) > 2 {
		enc.escape = encChars[2]
	}
	if len(encChars) > 3 {
		enc.subcomponent = encChars[3]
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := enc.parseSegment(line)
		if err != nil {
			return nil, err
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msh := &msg.Segments[0]
	if len(msh.Fields) >= 9 {
		msg.Type = strings.Join(nonEmpty(msh.Fields[8].Components), "^")
	}
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		msg.Timestamp = ts
	}
	return msg, nil
}

func (e encoding) parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("hl7: segment too short: %q", line)
	}
	sep := string(e.field)

	if segmentName(line) == "MSH" {
		// MSH-1 is the separator itself and MSH-2 the encoding characters,
		// which must not be split.
		seg := Segment{Name: "MSH"}
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}, Repeats: [][]string{{sep}}})
		parts := strings.Split(line[4:], sep)
		if len(parts) > 0 {
			seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}, Repeats: [][]string{{parts[0]}}})
			for _, p := range parts[1:] {
				seg.Fields = append(seg.Fields, e.parseField(p))
			}
		}
		return seg, nil
	}

	parts := strings.Split(line, sep)
	seg := Segment{Name: parts[0]}
	for _, p := range parts[1:] {
		seg.Fields = append(seg.Fields, e.parseField(p))
	}
	return seg, nil
}

func (e encoding) parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(e.repetition)) {
		comps := strings.Split(rep, string(e.component))
		for i := range comps {
			comps[i] = e.unescape(comps[i])
		}
		f.Repeats = append(f.Repeats, comps)
	}
	f.Components = f.Repeats[0]
	return f
}

// unescape resolves the standard delimiter escape sequences (\F\ \S\ \R\ \E\ \T\).
func (e encoding) unescape(s string) string {
	esc := string(e.escape)
	if !strings.Contains(s, esc) {
		return s
	}
	r := strings.NewReplacer(
		esc+"F"+esc, string(e.field),
		esc+"S"+esc, string(e.component),
		esc+"R"+esc, string(e.repetition),
		esc+"E"+esc, esc,
		esc+"T"+esc, string(e.subcomponent),
		esc+".br"+esc, " ",
	)
	return r.Replace(s)
}

// GetField returns the raw value of the 1-based field n.
func (s *Segment) GetField(n int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	return strings.TrimSpace(s.Fields[n-1].Value)
}

// GetComponent returns component c (1-based) of field n (1-based).
func (s *Segment) GetComponent(n, c int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	comps := s.Fields[n-1].Components
	if c < 1 || c > len(comps) {
		return ""
	}
	return strings.TrimSpace(comps[c-1])
}

// GetRepeats returns every repetition of field n.
func (s *Segment) GetRepeats(n int) [][]string {
	if n < 1 || n > len(s.Fields) {
		return nil
	}
	return s.Fields[n-1].Repeats
}

func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

func (m *Message) GetSegments(name string) []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			out = append(out, seg)
		}
	}
	return out
}

// SegmentNames returns the distinct segment names in order of first appearance.
func (m *Message) SegmentNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, seg := range m.Segments {
		if _, ok := seen[seg.Name]; ok {
			continue
		}
		seen[seg.Name] = struct{}{}
		out = append(out, seg.Name)
	}
	return out
}

// ParseTimestamp parses HL7 DTM values (YYYY[MM[DD[HH[MM[SS]]]]] with optional
// fractional seconds and zone offset).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i > 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	case len(s) == 6:
		return time.Parse("200601", s)
	case len(s) == 4:
		return time.Parse("2006", s)
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp %q", s)
	}
}

func segmentLines(text string) []string {
	text = strings.Map(func(r rune) rune {
		if r == mllpStart || r == mllpEnd || r == '\ufeff' {
			return -1
		}
		return r
	}, text)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var out []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func segmentName(line string) string {
	if len(line) < 3 {
		return line
	}
	return line[:3]
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
