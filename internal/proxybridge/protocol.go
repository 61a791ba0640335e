// SPDX-License-Identifier: MIT

// Package proxybridge is the control plane between the recorder and the
// out-of-process interception proxy: a line-oriented, unbuffered UTF-8
// protocol over the proxy's stdin/stdout.
package proxybridge

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags one proxy-to-recorder message.
type Kind string

const (
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
	KindSave     Kind = "SAVE"
	KindRAM      Kind = "RAM"
)

// Marks classifying a proxied response.
const (
	MarkOK        = "ok"        // served by the archive as requested
	MarkRewritten = "rewritten" // redirected to the iframe-modifier variant
	MarkCDX       = "cdx"       // redirected to a CDX-discovered neighbor
	MarkMissing   = "missing"   // not in the archive, no neighbor found
	MarkBlocked   = "blocked"   // non-archive traffic refused
	MarkLive      = "live"      // fetched from the live web (VRML flattening)
)

// ackLine is the reply to every accepted control command.
const ackLine = "[command]"

// Message is one line of the proxy-to-recorder stream.
//
//	[RESPONSE] [status] [mark] [content-type] [url] [id]
//	[REQUEST] [url]
//	[SAVE] [url]
//	[RAM] [url]
type Message struct {
	Kind        Kind
	Status      int
	Mark        string
	ContentType string
	URL         string
	ID          string
}

// ParseMessage parses one stream line. Unknown kinds and malformed lines
// return an error; the bridge logs and drops them rather than failing the
// capture.
func ParseMessage(line string) (*Message, error) {
	fields, err := splitBracketed(line)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("proxybridge: empty message")
	}
	m := &Message{Kind: Kind(fields[0])}
	switch m.Kind {
	case KindRequest, KindSave, KindRAM:
		if len(fields) != 2 {
			return nil, fmt.Errorf("proxybridge: %s wants 1 field, got %d", m.Kind, len(fields)-1)
		}
		m.URL = fields[1]
	case KindResponse:
		if len(fields) != 6 {
			return nil, fmt.Errorf("proxybridge: RESPONSE wants 5 fields, got %d", len(fields)-1)
		}
		status, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("proxybridge: bad status %q", fields[1])
		}
		m.Status = status
		m.Mark, m.ContentType, m.URL, m.ID = fields[2], fields[3], fields[4], fields[5]
	default:
		return nil, fmt.Errorf("proxybridge: unknown kind %q", fields[0])
	}
	return m, nil
}

// String renders the wire form of m.
func (m *Message) String() string {
	switch m.Kind {
	case KindResponse:
		return fmt.Sprintf("[%s] [%d] [%s] [%s] [%s] [%s]",
			m.Kind, m.Status, m.Mark, m.ContentType, m.URL, m.ID)
	default:
		return fmt.Sprintf("[%s] [%s]", m.Kind, m.URL)
	}
}

// splitBracketed cuts "[a] [b] [c]" into its fields. Brackets inside URLs are
// rare but legal, so only the outermost pair per field counts.
func splitBracketed(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	var fields []string
	for line != "" {
		if !strings.HasPrefix(line, "[") {
			return nil, fmt.Errorf("proxybridge: malformed line %q", line)
		}
		end := strings.Index(line, "] ")
		if end < 0 {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("proxybridge: unterminated field in %q", line)
			}
			fields = append(fields, line[1:len(line)-1])
			break
		}
		fields = append(fields, line[1:end])
		line = line[end+2:]
	}
	return fields, nil
}

// timestampAssign renders the only valid control command: assignment to the
// proxy's current_timestamp. An empty value clears scoped mode.
func timestampAssign(ts string) string {
	if ts == "" {
		return "current_timestamp = none"
	}
	return fmt.Sprintf("current_timestamp = %q", ts)
}
