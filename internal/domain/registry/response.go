package registry

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	pingFrame      = ":\n\n"
	streamOpener   = ":ok\n\n"
	preambleFiller = 2048
)

// Response is a minimal HTTP/1.1 response writer for raw connections.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Stream leaves out Content-Length and keeps the connection open.
	Stream bool
}

func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Text is a one-shot response with a short text body.
func Text(status int, body string) *Response {
	r := NewResponse(status)
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	r.Body = []byte(body)
	return r
}

// Status is a one-shot response carrying the reason phrase as body.
func Status(status int) *Response {
	return Text(status, http.StatusText(status))
}

func (r *Response) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, http.StatusText(r.Status))
	if !r.Stream {
		r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
		if r.Header.Get("Connection") == "" {
			r.Header.Set("Connection", "close")
		}
	}
	_ = r.Header.Write(&b)
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// streamPreamble opens the event stream. With padding, a 2 KiB comment follows the
// opener for clients that buffer the first chunk.
func streamPreamble(cors string, padding bool) []byte {
	r := NewResponse(http.StatusOK)
	r.Stream = true
	r.Header.Set("Content-Type", "text/event-stream")
	r.Header.Set("Cache-Control", "no-cache")
	r.Header.Set("Connection", "keep-alive")
	if cors != "" {
		r.Header.Set("Access-Control-Allow-Origin", cors)
	}

	body := streamOpener
	if padding {
		body += ":" + strings.Repeat(".", preambleFiller) + "\n\n"
	}
	r.Body = []byte(body)
	return r.Bytes()
}

// corsPreflight answers OPTIONS.
func corsPreflight(cors string) *Response {
	r := NewResponse(http.StatusOK)
	if cors != "" {
		r.Header.Set("Access-Control-Allow-Origin", cors)
	}
	r.Header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	r.Header.Set("Access-Control-Allow-Headers", "Last-Event-ID, Cache-Control")
	r.Header.Set("Access-Control-Max-Age", "86400")
	return r
}
