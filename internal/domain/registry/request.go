package registry

import (
	"bufio"
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/webitel/event-stream-service/internal/domain/event"
)

// ParseStatus is the outcome of feeding bytes to a connection's request parser.
type ParseStatus int

const (
	ParseIncomplete ParseStatus = iota
	ParseFailed
	ParseTooLarge
	ParseOK
	ParsePostStart
	ParsePostIncomplete
	ParsePostOK
	ParsePostInvalidLength
	ParsePostTooLarge
)

var parseStatusNames = [...]string{
	"incomplete", "failed", "too-large", "ok",
	"post-start", "post-incomplete", "post-ok", "post-invalid-length", "post-too-large",
}

func (s ParseStatus) String() string {
	if int(s) < len(parseStatusNames) {
		return parseStatusNames[s]
	}
	return "unknown"
}

// Query parameters understood on the subscriber side.
const (
	QueryLastEventID      = "evs_last_event_id"
	QueryLastEventIDAlt   = "lasteventid"
	QueryPreamble         = "evs_preamble"
	QuerySubscribeID      = "evs_subscribe_id"
	QuerySubscribeEvent   = "evs_subscribe_event"
	headerLastEventID     = "Last-Event-ID"
	defaultMaxRequestSize = 4096
	defaultMaxPostSize    = 64 << 10
)


// Request is a parsed subscriber or publisher request.
type Request struct {
	Method string
	// Path is the raw URL path, Channel its normalized channel name.
	Path    string
	Channel string
	// Query keys are lower-cased.
	Query  url.Values
	Header http.Header
	Body   []byte
}

// LastEventID resolves the replay cursor: header first, then the query parameters.
func (r *Request) LastEventID() string {
	if id := r.Header.Get(headerLastEventID); id != "" {
		return id
	}
	if id := r.Query.Get(QueryLastEventID); id != "" {
		return id
	}
	return r.Query.Get(QueryLastEventIDAlt)
}

// WantsPreamble reports the legacy polyfill padding flag.
func (r *Request) WantsPreamble() bool {
	_, ok := r.Query[QueryPreamble]
	return ok
}

// Subscriptions collects the id and event filters.
func (r *Request) Subscriptions() Subscriptions {
	return NewSubscriptions(r.Query[QuerySubscribeID], r.Query[QuerySubscribeEvent])
}

type parserState int

const (
	stateHead parserState = iota
	stateBody
	stateDone
)

// requestParser accumulates bytes until a full request head (and, for POST, body) is read.
// Head and body sizes are capped; exceeding them is a terminal status.
type requestParser struct {
	maxRequest int
	maxPost    int

	state   parserState
	buf     []byte
	req     *Request
	bodyLen int
}

func newRequestParser(maxRequest, maxPost int) *requestParser {
	if maxRequest <= 0 {
		maxRequest = defaultMaxRequestSize
	}
	if maxPost <= 0 {
		maxPost = defaultMaxPostSize
	}
	return &requestParser{maxRequest: maxRequest, maxPost: maxPost}
}

func (p *requestParser) feed(b []byte) ParseStatus {
	switch p.state {
	case stateHead:
		p.buf = append(p.buf, b...)
		return p.parseHead()
	case stateBody:
		p.buf = append(p.buf, b...)
		return p.parseBody(ParsePostIncomplete)
	}
	// Bytes after a complete request are ignored.
	if p.req != nil && p.req.Method == http.MethodPost {
		return ParsePostOK
	}
	return ParseOK
}

func (p *requestParser) parseHead() ParseStatus {
	headLen := headLength(p.buf)
	if headLen < 0 {
		if len(p.buf) > p.maxRequest {
			p.state = stateDone
			return ParseTooLarge
		}
		return ParseIncomplete
	}
	if headLen > p.maxRequest {
		p.state = stateDone
		return ParseTooLarge
	}

	hreq, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(p.buf[:headLen])))
	if err != nil {
		p.state = stateDone
		return ParseFailed
	}

	query := make(url.Values, len(hreq.URL.Query()))
	for k, v := range hreq.URL.Query() {
		lk := strings.ToLower(k)
		query[lk] = append(query[lk], v...)
	}
	p.req = &Request{
		Method:  hreq.Method,
		Path:    hreq.URL.Path,
		Channel: event.NormalizePath(hreq.URL.Path),
		Query:   query,
		Header:  hreq.Header,
	}

	rest := p.buf[headLen:]
	if hreq.Method != http.MethodPost {
		p.state = stateDone
		p.buf = nil
		return ParseOK
	}

	p.state = stateDone
	if len(hreq.TransferEncoding) > 0 || len(hreq.Header.Values("Content-Length")) == 0 {
		return ParsePostInvalidLength
	}
	if hreq.ContentLength > int64(p.maxPost) {
		return ParsePostTooLarge
	}

	p.bodyLen = int(hreq.ContentLength)
	p.buf = append([]byte(nil), rest...)
	p.state = stateBody
	return p.parseBody(ParsePostStart)
}

// headLength returns the length of the head including the blank line, or -1 while the head is
// incomplete. Lines may end in CRLF or a bare LF, the same as http.ReadRequest accepts.
func headLength(buf []byte) int {
	for i := bytes.IndexByte(buf, '\n'); i >= 0; {
		rest := buf[i+1:]
		switch {
		case len(rest) > 0 && rest[0] == '\n':
			return i + 2
		case len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n':
			return i + 3
		}
		next := bytes.IndexByte(rest, '\n')
		if next < 0 {
			return -1
		}
		i += next + 1
	}
	return -1
}

func (p *requestParser) parseBody(pending ParseStatus) ParseStatus {
	if len(p.buf) < p.bodyLen {
		return pending
	}
	p.req.Body = p.buf[:p.bodyLen]
	p.buf = nil
	p.state = stateDone
	return ParsePostOK
}

// request returns the parsed request once the head is complete.
func (p *requestParser) request() *Request { return p.req }
