package registry

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// OwnerDispatcher is the owner of every connection during its handshake.
	OwnerDispatcher = "dispatcher"

	defaultMaxSendBuffer = 1 << 20
	lingerTimeout        = 500 * time.Millisecond
	lingerLimit          = 64 << 10
)

var (
	ErrConnectionDead = errors.New("connection is dead")
	ErrSlowConsumer   = errors.New("send buffer limit exceeded")
	ErrAlreadyOwned   = errors.New("connection is owned by another component")
)

// Connection wraps one accepted socket.
//
// Writes never block the caller: Send appends to the outbound buffer and tries a single
// non-blocking write. Whatever the kernel does not take stays queued and a writer goroutine
// waits for the socket to become writable (the runtime netpoller) and drains it. When the
// buffer is empty the writer exits, so idle connections cost no goroutine for writing.
type Connection struct {
	id        uuid.UUID
	conn      net.Conn
	raw       syscall.RawConn
	remote    netip.Addr
	createdAt time.Time

	maxBuffer int
	parser    *requestParser

	// [WRITE_PATH] guarded by mu
	mu        sync.Mutex
	buf       []byte
	writing   bool
	finishing bool

	// [OWNERSHIP]
	ownerMu sync.Mutex
	owner   string

	subs atomic.Pointer[Subscriptions]

	dead      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// ConnOption tunes a Connection at construction.
type ConnOption func(*Connection)

func WithMaxSendBuffer(n int) ConnOption {
	return func(c *Connection) {
		if n > 0 {
			c.maxBuffer = n
		}
	}
}

func WithRequestLimits(maxRequest, maxPost int) ConnOption {
	return func(c *Connection) {
		c.parser = newRequestParser(maxRequest, maxPost)
	}
}

func NewConnection(conn net.Conn, opts ...ConnOption) *Connection {
	c := &Connection{
		id:        uuid.New(),
		conn:      conn,
		createdAt: time.Now(),
		maxBuffer: defaultMaxSendBuffer,
		owner:     OwnerDispatcher,
		done:      make(chan struct{}),
	}
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			c.raw = raw
		}
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		c.remote = ap.Addr().Unmap()
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parser == nil {
		c.parser = newRequestParser(0, 0)
	}
	return c
}

func (c *Connection) ID() uuid.UUID          { return c.id }
func (c *Connection) RemoteAddr() netip.Addr { return c.remote }
func (c *Connection) Conn() net.Conn         { return c.conn }
func (c *Connection) IsDead() bool           { return c.dead.Load() }
func (c *Connection) Done() <-chan struct{}  { return c.done }

// Owner reports who currently drives the connection.
func (c *Connection) Owner() string {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	return c.owner
}

// Handover moves the connection from one owner to the next. It fails unless from is the
// current owner, so a connection can never be driven by two components.
func (c *Connection) Handover(from, to string) error {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	if c.owner != from {
		return ErrAlreadyOwned
	}
	c.owner = to
	return nil
}

// SetSubscriptions replaces the filter set.
func (c *Connection) SetSubscriptions(s Subscriptions) { c.subs.Store(&s) }

func (c *Connection) IsFilterAcceptable(frame []byte) bool {
	s := c.subs.Load()
	return s == nil || s.Accept(frame)
}

// ReadAndParseRequest feeds freshly read bytes to the request parser.
func (c *Connection) ReadAndParseRequest(p []byte) ParseStatus {
	return c.parser.feed(p)
}

// Request returns the parsed request once ReadAndParseRequest reported a complete head.
func (c *Connection) Request() *Request { return c.parser.request() }

// Send queues p and tries to write it without blocking.
func (c *Connection) Send(p []byte) (int, error) {
	if c.dead.Load() {
		return 0, ErrConnectionDead
	}

	c.mu.Lock()
	if c.finishing {
		c.mu.Unlock()
		return 0, ErrConnectionDead
	}
	if len(c.buf)+len(p) > c.maxBuffer {
		c.mu.Unlock()
		c.MarkDead()
		return 0, ErrSlowConsumer
	}
	c.buf = append(c.buf, p...)
	err := c.flushLocked()
	c.mu.Unlock()

	if err != nil {
		c.MarkDead()
		return 0, err
	}
	return len(p), nil
}

// Flush forces a write attempt of the queued bytes.
func (c *Connection) Flush() error {
	if c.dead.Load() {
		return ErrConnectionDead
	}
	c.mu.Lock()
	err := c.flushLocked()
	c.mu.Unlock()
	if err != nil {
		c.MarkDead()
	}
	return err
}

// Pending is the number of bytes waiting for the socket.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// flushLocked performs one non-blocking write. Leftovers start the writer.
func (c *Connection) flushLocked() error {
	if c.writing || len(c.buf) == 0 {
		return nil
	}
	if c.raw != nil {
		n, err := c.tryWrite(c.buf)
		c.consumeLocked(n)
		if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return err
		}
		if len(c.buf) == 0 {
			return nil
		}
	}
	// [WRITABLE_INTEREST]
	c.writing = true
	go c.writeLoop()
	return nil
}

func (c *Connection) consumeLocked(n int) {
	if n <= 0 {
		return
	}
	if n >= len(c.buf) {
		c.buf = nil
		return
	}
	c.buf = c.buf[n:]
}

// tryWrite makes a single write attempt on the raw descriptor.
func (c *Connection) tryWrite(p []byte) (n int, err error) {
	rerr := c.raw.Write(func(fd uintptr) bool {
		n, err = unix.Write(int(fd), p)
		return true
	})
	if n < 0 {
		n = 0
	}
	if rerr != nil {
		return n, rerr
	}
	return n, err
}

// waitWrite writes p, parking on the netpoller while the socket is not writable.
func (c *Connection) waitWrite(p []byte) (n int, err error) {
	if c.raw == nil {
		return c.conn.Write(p)
	}
	rerr := c.raw.Write(func(fd uintptr) bool {
		n, err = unix.Write(int(fd), p)
		return !errors.Is(err, unix.EAGAIN)
	})
	if n < 0 {
		n = 0
	}
	if rerr != nil {
		return n, rerr
	}
	if errors.Is(err, unix.EINTR) {
		err = nil
	}
	return n, err
}

func (c *Connection) writeLoop() {
	for {
		c.mu.Lock()
		if len(c.buf) == 0 || c.dead.Load() {
			c.writing = false
			fin := c.finishing
			c.mu.Unlock()
			if fin {
				c.linger()
			}
			return
		}
		chunk := c.buf
		c.mu.Unlock()

		n, err := c.waitWrite(chunk)

		c.mu.Lock()
		c.consumeLocked(n)
		c.mu.Unlock()

		if err != nil {
			c.mu.Lock()
			c.writing = false
			c.mu.Unlock()
			c.MarkDead()
			return
		}
	}
}

// Finish closes the connection once everything queued has been written.
// Used for one-shot responses.
func (c *Connection) Finish() {
	c.mu.Lock()
	if c.finishing {
		c.mu.Unlock()
		return
	}
	c.finishing = true
	idle := !c.writing
	c.mu.Unlock()

	if idle {
		go c.linger()
	}
}

// linger half-closes and drains what the peer still sends before closing, so the
// response is not lost to a reset caused by unread request bytes.
func (c *Connection) linger() {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok && !c.dead.Load() {
		if err := cw.CloseWrite(); err == nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(c.conn, lingerLimit))
		}
	}
	c.MarkDead()
}

// MarkDead flags the connection and closes the socket exactly once.
func (c *Connection) MarkDead() {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		_ = c.conn.Close()
		close(c.done)
	})
}

// watch blocks reading the socket until the peer hangs up or the connection errors.
// Anything a subscriber sends after its request is discarded.
func (c *Connection) watch() {
	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}
