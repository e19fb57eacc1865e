package message

import (
	"bufio"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// Sentinel errors for message parsing.
var (
	ErrEmpty       = errors.New("message: empty datagram")
	ErrMalformed   = errors.New("message: malformed start-line")
	ErrUnknownKind = errors.New("message: not an SSDP message")
)

// Kind distinguishes the three SSDP start-lines this codec understands.
type Kind int

const (
	// KindUnknown is any datagram that is not one of the three SSDP forms.
	KindUnknown Kind = iota

	// KindNotify is "NOTIFY * HTTP/1.1" — an alive or byebye announcement.
	KindNotify

	// KindSearch is "M-SEARCH * HTTP/1.1" — a discovery request.
	KindSearch

	// KindResponse is an "HTTP/" status line such as "HTTP/1.1 200 OK" — a
	// search response.
	KindResponse
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNotify:
		return "NOTIFY"
	case KindSearch:
		return "M-SEARCH"
	case KindResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

const (
	httpVersion   = "HTTP/1.1"
	notifyMethod  = "NOTIFY"
	searchMethod  = "M-SEARCH"
	requestURI    = "*"
	responseOK    = "200"
	responseOKMsg = "OK"
	crlf          = "\r\n"
)

// canonicalHeaderNames lists the exact casing SSDP peers expect on the
// wire. net/textproto.CanonicalMIMEHeaderKey title-cases each hyphenated
// segment ("ST" -> "St", "NTS" -> "Nts"), which is wrong for this protocol,
// so header emission uses this fixed table instead, falling back to
// title-casing only for header names the protocol doesn't name explicitly.
var canonicalHeaderNames = map[string]string{
	"host":          "HOST",
	"cache-control": "CACHE-CONTROL",
	"location":      "LOCATION",
	"nt":            "NT",
	"nts":           "NTS",
	"usn":           "USN",
	"st":            "ST",
	"mx":            "MX",
	"man":           "MAN",
	"ext":           "EXT",
	"server":        "SERVER",
	"date":          "DATE",
	"user-agent":    "USER-AGENT",
}

func canonicalHeaderName(name string) string {
	lower := strings.ToLower(name)
	if canon, ok := canonicalHeaderNames[lower]; ok {
		return canon
	}
	return textproto.CanonicalMIMEHeaderKey(name)
}

// header is a single ordered name/value pair.
type header struct {
	name  string
	value string
}

// Message is a parsed or to-be-built SSDP datagram: a start-line plus an
// ordered set of headers. Header lookups are case-insensitive; insertion
// order is preserved for emission, though no emission order is required
// by the wire protocol.
type Message struct {
	Kind Kind

	// StatusCode/StatusText are populated only for KindResponse.
	StatusCode int
	StatusText string

	headers []header
}

// NewNotify creates an empty NOTIFY message.
func NewNotify() *Message { return &Message{Kind: KindNotify} }

// NewSearch creates an empty M-SEARCH message.
func NewSearch() *Message { return &Message{Kind: KindSearch} }

// NewResponse creates an empty "HTTP/1.1 200 OK" response message.
func NewResponse() *Message {
	return &Message{Kind: KindResponse, StatusCode: 200, StatusText: "OK"}
}

// Set sets a header, replacing any existing value(s) for that name.
// The emitted header name always uses the protocol's canonical casing,
// regardless of how name is cased here.
func (m *Message) Set(name, value string) {
	canon := canonicalHeaderName(name)
	for i := range m.headers {
		if strings.EqualFold(m.headers[i].name, canon) {
			m.headers[i].value = value
			return
		}
	}
	m.headers = append(m.headers, header{name: canon, value: value})
}

// Get returns the value of a header, case-insensitively. The second return
// value is false if the header is absent — missing headers never fail a
// lookup, since most SSDP headers are optional depending on message kind.
func (m *Message) Get(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h.value, true
		}
	}
	return "", false
}

// Headers returns a snapshot of all headers keyed by canonical name.
// Callers that need header ordering or repeated names should use Get
// instead; this protocol never repeats a header name.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for _, h := range m.headers {
		out[h.name] = h.value
	}
	return out
}

// Del removes a header, case-insensitively. No-op if absent.
func (m *Message) Del(name string) {
	out := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.name, name) {
			out = append(out, h)
		}
	}
	m.headers = out
}

// Build serializes the message to wire bytes: start-line, headers, blank
// line, CRLF-terminated throughout.
func (m *Message) Build() ([]byte, error) {
	var sb strings.Builder

	switch m.Kind {
	case KindNotify:
		sb.WriteString(notifyMethod + " " + requestURI + " " + httpVersion + crlf)
	case KindSearch:
		sb.WriteString(searchMethod + " " + requestURI + " " + httpVersion + crlf)
	case KindResponse:
		code := m.StatusCode
		if code == 0 {
			code = 200
		}
		text := m.StatusText
		if text == "" {
			text = responseOKMsg
		}
		sb.WriteString(httpVersion + " " + strconv.Itoa(code) + " " + text + crlf)
	default:
		return nil, fmt.Errorf("message: %w: unset kind", ErrUnknownKind)
	}

	for _, h := range m.headers {
		sb.WriteString(h.name + ": " + h.value + crlf)
	}
	sb.WriteString(crlf)

	return []byte(sb.String()), nil
}

// Parse decodes a raw UDP datagram into a Message. A start-line beginning
// with "NOTIFY " or "M-SEARCH " and ending in " HTTP/1.1" is a request; any
// "HTTP/" status line is a KindResponse, whatever its status code (kept in
// StatusCode for the caller to check); anything else yields ErrUnknownKind.
// Malformed header lines are skipped rather than failing the whole parse,
// since one bad line from a noisy peer should not discard an otherwise
// usable message.
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	text := string(data)
	// Tolerate either CRLF or bare LF line endings on the wire; peers in
	// the wild are not always strict, and parse failures here are silently
	// dropped by callers anyway.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	startLine := strings.TrimSpace(lines[0])
	if startLine == "" {
		return nil, ErrMalformed
	}

	msg, err := parseStartLine(startLine)
	if err != nil {
		return nil, err
	}

	rest := strings.Join(lines[1:], "\r\n")
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(rest)))
	for {
		line, err := tp.ReadLine()
		if err != nil || line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			continue
		}
		msg.Set(name, value)
	}

	return msg, nil
}

func parseStartLine(line string) (*Message, error) {
	switch {
	case strings.HasPrefix(line, "HTTP/"):
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return nil, ErrMalformed
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("message: %w: bad status code", ErrMalformed)
		}
		text := ""
		if len(fields) == 3 {
			text = fields[2]
		}
		return &Message{Kind: KindResponse, StatusCode: code, StatusText: text}, nil

	case strings.HasSuffix(line, " "+httpVersion):
		method := strings.TrimSuffix(line, " "+httpVersion)
		switch {
		case strings.HasPrefix(method, notifyMethod+" "):
			return &Message{Kind: KindNotify}, nil
		case strings.HasPrefix(method, searchMethod+" "):
			return &Message{Kind: KindSearch}, nil
		default:
			return nil, ErrUnknownKind
		}

	default:
		return nil, ErrUnknownKind
	}
}
