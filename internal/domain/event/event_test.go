package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		fallback string
		want     string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "id and data",
			raw:      `{"id":"1","path":"/foo","data":"hello"}`,
			want:     "id: 1\ndata: hello\n\n",
			wantPath: "foo",
		},
		{
			name:     "all fields",
			raw:      `{"id":"7","event":"update","retry":3000,"path":"news","data":"a\nb"}`,
			want:     "id: 7\nevent: update\nretry: 3000\ndata: a\ndata: b\n\n",
			wantPath: "news",
		},
		{
			name:     "numeric id",
			raw:      `{"id":42,"path":"foo","data":"x"}`,
			want:     "id: 42\ndata: x\n\n",
			wantPath: "foo",
		},
		{
			name:     "object data is compacted",
			raw:      `{"path":"foo","data":{"a": 1,  "b": [1, 2]}}`,
			want:     "data: {\"a\":1,\"b\":[1,2]}\n\n",
			wantPath: "foo",
		},
		{
			name:     "fallback path from routing key",
			raw:      `{"data":"x"}`,
			fallback: "metrics",
			want:     "data: x\n\n",
			wantPath: "metrics",
		},
		{
			name:     "zero retry omitted",
			raw:      `{"retry":0,"path":"foo","data":"x"}`,
			want:     "data: x\n\n",
			wantPath: "foo",
		},
		{name: "missing data", raw: `{"id":"1","path":"foo"}`, wantErr: true},
		{name: "null data", raw: `{"data":null,"path":"foo"}`, wantErr: true},
		{name: "malformed json", raw: `{"data":`, wantErr: true},
		{name: "not an object", raw: `"hello"`, wantErr: true},
		{name: "no path anywhere", raw: `{"data":"x"}`, wantErr: true},
		{name: "bad retry", raw: `{"data":"x","path":"foo","retry":1.5}`, wantErr: true},
		{
			name:     "carriage returns split data",
			raw:      `{"path":"foo","data":"a\rid: 7\r\nb"}`,
			want:     "data: a\ndata: id: 7\ndata: b\n\n",
			wantPath: "foo",
		},
		{name: "newline in id", raw: `{"id":"a\nb","data":"x","path":"foo"}`, wantErr: true},
		{name: "newline in event", raw: `{"event":"greet\nid: 99","data":"x","path":"foo"}`, wantErr: true},
		{name: "carriage return in event", raw: `{"event":"greet\rid: 99","data":"x","path":"foo"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw), tt.fallback)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidEvent)
				assert.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(ev.Serialize()))
			assert.Equal(t, tt.wantPath, ev.Path())
		})
	}
}

func TestNewRejectsMultilineFields(t *testing.T) {
	_, err := New("foo", "1\nid: 2", "", "x", 0)
	require.ErrorIs(t, err, ErrInvalidEvent)
	_, err = New("foo", "1", "a\r\nid: 2", "x", 0)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestSerializeIsDeterministic(t *testing.T) {
	a, err := Parse([]byte(`{"id":"1","event":"e","data":"x\ny","path":"foo"}`), "")
	require.NoError(t, err)
	b, err := Parse([]byte(`{"path":"/foo/","data":"x\ny","event":"e","id":"1"}`), "")
	require.NoError(t, err)

	assert.Equal(t, a.Serialize(), b.Serialize())
	assert.Equal(t, a.Serialize(), a.Serialize())
}

func TestWithPathCopies(t *testing.T) {
	ev, err := New("foo", "1", "", "x", 0)
	require.NoError(t, err)

	moved := ev.WithPath("/bar")
	assert.Equal(t, "foo", ev.Path())
	assert.Equal(t, "bar", moved.Path())
	assert.Equal(t, ev.Serialize(), moved.Serialize())
}

func TestInvalidEventSerializesToNil(t *testing.T) {
	var ev *Event
	assert.Nil(t, ev.Serialize())
	assert.Nil(t, (&Event{path: "foo"}).Serialize())
	assert.Nil(t, (&Event{data: []string{"x"}}).Serialize())
}
