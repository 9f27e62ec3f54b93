package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadLength(t *testing.T) {
	assert.Equal(t, -1, headLength([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	assert.Equal(t, -1, headLength([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r")))
	assert.Equal(t, 27, headLength([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nbody")))
	assert.Equal(t, 24, headLength([]byte("GET / HTTP/1.1\nHost: x\n\nbody")))
	assert.Equal(t, 25, headLength([]byte("GET / HTTP/1.1\nHost: x\n\r\n")))
}

func TestRequestParserStates(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		want   []ParseStatus
	}{
		{
			name:   "get in one read",
			chunks: []string{"GET /foo HTTP/1.1\r\nHost: x\r\n\r\n"},
			want:   []ParseStatus{ParseOK},
		},
		{
			name:   "get split across reads",
			chunks: []string{"GET /foo HT", "TP/1.1\r\nHost: x\r\n", "\r\n"},
			want:   []ParseStatus{ParseIncomplete, ParseIncomplete, ParseOK},
		},
		{
			name:   "get with bare line feeds",
			chunks: []string{"GET /foo HTTP/1.1\nHost: x\n", "\n"},
			want:   []ParseStatus{ParseIncomplete, ParseOK},
		},
		{
			name:   "post with bare line feeds",
			chunks: []string{"POST /foo HTTP/1.1\nHost: x\nContent-Length: 2\n\nok"},
			want:   []ParseStatus{ParsePostOK},
		},
		{
			name:   "garbage",
			chunks: []string{"NOT A REQUEST\r\n\r\n"},
			want:   []ParseStatus{ParseFailed},
		},
		{
			name:   "post with body in one read",
			chunks: []string{"POST /foo HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\nabcd"},
			want:   []ParseStatus{ParsePostOK},
		},
		{
			name: "post body streamed",
			chunks: []string{
				"POST /foo HTTP/1.1\r\nHost: x\r\nContent-Length: 6\r\n\r\nab",
				"cd",
				"ef",
			},
			want: []ParseStatus{ParsePostStart, ParsePostIncomplete, ParsePostOK},
		},
		{
			name:   "post without length",
			chunks: []string{"POST /foo HTTP/1.1\r\nHost: x\r\n\r\n"},
			want:   []ParseStatus{ParsePostInvalidLength},
		},
		{
			name:   "chunked post",
			chunks: []string{"POST /foo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"},
			want:   []ParseStatus{ParsePostInvalidLength},
		},
		{
			name:   "post too large",
			chunks: []string{"POST /foo HTTP/1.1\r\nHost: x\r\nContent-Length: 70000\r\n\r\n"},
			want:   []ParseStatus{ParsePostTooLarge},
		},
		{
			name:   "head without terminator over the cap",
			chunks: []string{"GET /foo HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 5000)},
			want:   []ParseStatus{ParseTooLarge},
		},
		{
			name:   "complete head over the cap",
			chunks: []string{"GET /foo HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 5000) + "\r\n\r\n"},
			want:   []ParseStatus{ParseTooLarge},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newRequestParser(4096, 65536)
			for i, chunk := range tc.chunks {
				assert.Equal(t, tc.want[i], p.feed([]byte(chunk)), "chunk %d", i)
			}
		})
	}
}

func TestRequestPostBody(t *testing.T) {
	p := newRequestParser(0, 0)
	require.Equal(t, ParsePostOK, p.feed([]byte("POST /news/ HTTP/1.1\r\nHost: x\r\nContent-Length: 13\r\n\r\n{\"data\":\"hi\"}")))

	req := p.request()
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "news", req.Channel)
	assert.Equal(t, `{"data":"hi"}`, string(req.Body))
}

func TestRequestLastEventIDPrecedence(t *testing.T) {
	req := getRequest(t, "/foo?evs_last_event_id=2&lastEventId=3", "Last-Event-ID: 1")
	assert.Equal(t, "1", req.LastEventID())

	req = getRequest(t, "/foo?evs_last_event_id=2&lastEventId=3")
	assert.Equal(t, "2", req.LastEventID())

	req = getRequest(t, "/foo?lastEventId=3")
	assert.Equal(t, "3", req.LastEventID())

	req = getRequest(t, "/foo")
	assert.Empty(t, req.LastEventID())
}

func TestRequestQueryFlags(t *testing.T) {
	req := getRequest(t, "/foo?EVS_PREAMBLE&evs_subscribe_id=a&evs_subscribe_id=b&evs_subscribe_event=tick")
	assert.True(t, req.WantsPreamble())

	subs := req.Subscriptions()
	assert.False(t, subs.Empty())
	assert.True(t, subs.Accept([]byte("id: b\ndata: x\n\n")))
	assert.True(t, subs.Accept([]byte("event: tick\ndata: x\n\n")))
	assert.False(t, subs.Accept([]byte("id: c\ndata: x\n\n")))
}
