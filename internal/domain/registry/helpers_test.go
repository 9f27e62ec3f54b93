package registry

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webitel/event-stream-service/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memFactory struct{}

func (memFactory) Open(_ string, _ string, length int) (cache.EventCache, error) {
	return cache.NewMemory(length), nil
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// parsedRequest runs raw request bytes through a parser.
func parsedRequest(t *testing.T, raw string) *Request {
	t.Helper()
	p := newRequestParser(0, 0)
	st := p.feed([]byte(raw))
	require.Contains(t, []ParseStatus{ParseOK, ParsePostOK}, st)
	return p.request()
}

func getRequest(t *testing.T, target string, headers ...string) *Request {
	raw := "GET " + target + " HTTP/1.1\r\nHost: test\r\n"
	for _, h := range headers {
		raw += h + "\r\n"
	}
	return parsedRequest(t, raw+"\r\n")
}

// sseReader reads a subscriber stream from the client side.
type sseReader struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func newSSEReader(t *testing.T, c net.Conn) *sseReader {
	return &sseReader{t: t, c: c, r: bufio.NewReader(c)}
}

// head reads the status line and headers.
func (s *sseReader) head() (status string, headers map[string]string) {
	s.t.Helper()
	require.NoError(s.t, s.c.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := s.r.ReadString('\n')
	require.NoError(s.t, err)
	status = strings.TrimSpace(line)
	headers = make(map[string]string)
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(s.t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return status, headers
		}
		k, v, _ := strings.Cut(line, ":")
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
}

// frame reads up to and including the next blank line.
func (s *sseReader) frame() string {
	s.t.Helper()
	require.NoError(s.t, s.c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var b strings.Builder
	for {
		line, err := s.r.ReadString('\n')
		require.NoError(s.t, err)
		b.WriteString(line)
		if line == "\n" {
			return b.String()
		}
	}
}

// nothing asserts no bytes arrive within d.
func (s *sseReader) nothing(d time.Duration) {
	s.t.Helper()
	require.NoError(s.t, s.c.SetReadDeadline(time.Now().Add(d)))
	_, err := s.r.ReadByte()
	require.Error(s.t, err)
	ne, ok := err.(net.Error)
	require.True(s.t, ok && ne.Timeout(), "expected timeout, got %v", err)
}
