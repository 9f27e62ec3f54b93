package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/webitel/event-stream-service/internal/domain/model"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"github.com/webitel/event-stream-service/internal/service/dto"
	"github.com/webitel/event-stream-service/internal/service/mapper"
)

const (
	statsPath      = "stats"
	readChunk      = 4096
	acceptBackoff  = 100 * time.Millisecond
	defaultAccepts = 2
)

// Config is the dispatcher's slice of the server configuration.
type Config struct {
	Addr             string
	Acceptors        int
	EnablePost       bool
	MaxRequestSize   int
	MaxPostSize      int
	MaxSendBuffer    int
	HandshakeTimeout time.Duration
}

// Dispatcher accepts raw connections, drives each request to completion and hands
// subscribers over to their channel.
type Dispatcher struct {
	cfg     Config
	hub     registry.Hubber
	ingest  service.Ingester
	logger  *slog.Logger
	metrics *metrics.Metrics

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// [HANDSHAKES] connections still owned by the dispatcher
	pending sync.Map // map[uuid.UUID]*registry.Connection

	readErrors    atomic.Uint64
	invalidReqs   atomic.Uint64
	oversizedReqs atomic.Uint64
	invalidEvents atomic.Uint64
}

func NewDispatcher(cfg Config, hub registry.Hubber, ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Acceptors <= 0 {
		cfg.Acceptors = defaultAccepts
	}
	return &Dispatcher{
		cfg:     cfg,
		hub:     hub,
		ingest:  ingest,
		logger:  logger,
		metrics: m,
	}
}

// Start binds the listener and launches the accept loops.
func (d *Dispatcher) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return err
	}
	d.ln = ln
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for i := range d.cfg.Acceptors {
		d.wg.Add(1)
		go d.acceptLoop(i)
	}

	d.logger.Info("SSE_DISPATCHER_STARTED",
		"addr", ln.Addr().String(),
		"acceptors", d.cfg.Acceptors,
		"post", d.cfg.EnablePost,
	)
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (d *Dispatcher) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Stop closes the listener and every connection still in its handshake, then waits
// for the dispatcher goroutines.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.ln == nil {
		return nil
	}
	d.cancel()
	err := d.ln.Close()

	d.pending.Range(func(_, v any) bool {
		v.(*registry.Connection).MarkDead()
		return true
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.logger.Info("SSE_DISPATCHER_STOPPED")
	return err
}

func (d *Dispatcher) acceptLoop(worker int) {
	defer d.wg.Done()
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || d.ctx.Err() != nil {
				return
			}
			// [FD_EXHAUSTION] back off instead of spinning
			if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				d.logger.Warn("ACCEPT_FD_EXHAUSTED", "worker", worker, "err", err)
			} else {
				d.logger.Error("ACCEPT_FAILED", "worker", worker, "err", err)
			}
			select {
			case <-time.After(acceptBackoff):
			case <-d.ctx.Done():
				return
			}
			continue
		}

		d.wg.Add(1)
		go d.handshake(nc)
	}
}

func (d *Dispatcher) handshake(nc net.Conn) {
	defer d.wg.Done()

	conn := registry.NewConnection(nc,
		registry.WithMaxSendBuffer(d.cfg.MaxSendBuffer),
		registry.WithRequestLimits(d.cfg.MaxRequestSize, d.cfg.MaxPostSize),
	)
	d.pending.Store(conn.ID(), conn)
	defer d.pending.Delete(conn.ID())

	if d.cfg.HandshakeTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	}

	var publishTo *registry.Channel
	buf := make([]byte, readChunk)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			switch st := conn.ReadAndParseRequest(buf[:n]); st {
			case registry.ParseIncomplete, registry.ParsePostIncomplete:

			case registry.ParseFailed:
				d.invalidReqs.Add(1)
				d.reject(conn, "invalid", http.StatusBadRequest)
				return

			case registry.ParseTooLarge:
				d.oversizedReqs.Add(1)
				d.reject(conn, "oversized", http.StatusRequestHeaderFieldsTooLarge)
				return

			case registry.ParsePostInvalidLength:
				d.invalidReqs.Add(1)
				d.reject(conn, "publish", http.StatusLengthRequired)
				return

			case registry.ParsePostTooLarge:
				d.oversizedReqs.Add(1)
				d.reject(conn, "publish", http.StatusRequestEntityTooLarge)
				return

			case registry.ParseOK:
				_ = nc.SetReadDeadline(time.Time{})
				d.serveGet(conn)
				return

			case registry.ParsePostStart:
				if publishTo = d.authorizePost(conn); publishTo == nil {
					return
				}

			case registry.ParsePostOK:
				if publishTo == nil {
					if publishTo = d.authorizePost(conn); publishTo == nil {
						return
					}
				}
				d.servePost(conn, publishTo)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				d.readErrors.Add(1)
				d.logger.Debug("HANDSHAKE_READ_FAILED", "remote", nc.RemoteAddr().String(), "err", err)
			}
			conn.MarkDead()
			return
		}
	}
}

func (d *Dispatcher) serveGet(conn *registry.Connection) {
	req := conn.Request()

	if req.Channel == statsPath && req.Method == http.MethodGet {
		d.serveStats(conn)
		return
	}

	ch, err := d.hub.Resolve(req.Channel)
	if err != nil {
		d.reject(conn, "subscribe", http.StatusNotFound)
		return
	}

	if err := ch.Subscribe(d.ctx, conn, req); err != nil {
		if errors.Is(err, registry.ErrMethodNotAllowed) {
			d.count("subscribe", http.StatusMethodNotAllowed)
			return
		}
		d.logger.Debug("SUBSCRIBE_FAILED", "channel", ch.Name(), "remote", conn.RemoteAddr(), "err", err)
		conn.MarkDead()
		return
	}
	d.count("subscribe", http.StatusOK)
}

// authorizePost resolves the target channel of a POST and checks the publisher.
// On failure the response is sent and nil returned.
func (d *Dispatcher) authorizePost(conn *registry.Connection) *registry.Channel {
	req := conn.Request()
	if !d.cfg.EnablePost {
		d.reject(conn, "publish", http.StatusMethodNotAllowed)
		return nil
	}
	ch, err := d.hub.Resolve(req.Channel)
	if err != nil {
		d.reject(conn, "publish", http.StatusNotFound)
		return nil
	}
	if !ch.IsAllowedToPublish(conn.RemoteAddr()) {
		d.logger.Debug("PUBLISH_FORBIDDEN", "channel", ch.Name(), "remote", conn.RemoteAddr())
		d.reject(conn, "publish", http.StatusForbidden)
		return nil
	}
	return ch
}

func (d *Dispatcher) servePost(conn *registry.Connection, ch *registry.Channel) {
	req := conn.Request()
	ev, err := mapper.ToEventOn(ch.Name(), dto.InboundMessage{
		Source:  dto.SourceHTTP,
		Payload: req.Body,
		TraceID: conn.ID().String(),
	})
	if err != nil {
		d.invalidEvents.Add(1)
		d.reject(conn, "publish", http.StatusBadRequest)
		return
	}

	if err := d.ingest.Publish(d.ctx, dto.SourceHTTP, ev); err != nil {
		d.reject(conn, "publish", http.StatusInternalServerError)
		return
	}
	d.respond(conn, "publish", registry.Text(http.StatusOK, "OK"))
}

func (d *Dispatcher) serveStats(conn *registry.Connection) {
	body, err := json.MarshalIndent(d.Stats(d.ctx), "", "  ")
	if err != nil {
		d.reject(conn, "stats", http.StatusInternalServerError)
		return
	}
	res := registry.NewResponse(http.StatusOK)
	res.Header.Set("Content-Type", "application/json")
	res.Header.Set("Cache-Control", "no-cache")
	res.Body = body
	d.respond(conn, "stats", res)
}

func (d *Dispatcher) reject(conn *registry.Connection, kind string, status int) {
	d.respond(conn, kind, registry.Status(status))
}

func (d *Dispatcher) respond(conn *registry.Connection, kind string, res *registry.Response) {
	_, _ = conn.Send(res.Bytes())
	conn.Finish()
	d.count(kind, res.Status)
}

func (d *Dispatcher) count(kind string, status int) {
	if d.metrics != nil {
		d.metrics.Requests.WithLabelValues(kind, http.StatusText(status)).Inc()
	}
}

// RouterStats returns the dispatcher counters.
func (d *Dispatcher) RouterStats() model.RouterStats {
	return model.RouterStats{
		ReadErrors:       d.readErrors.Load(),
		InvalidRequests:  d.invalidReqs.Load(),
		OversizedRequest: d.oversizedReqs.Load(),
		InvalidEvents:    d.invalidEvents.Load(),
	}
}

// Stats is the full /stats document: hub counters plus the dispatcher's own.
func (d *Dispatcher) Stats(ctx context.Context) model.HubStats {
	st := d.hub.Stats(ctx)
	st.Merge(d.RouterStats())
	return st
}

// Pending is the number of connections still in their handshake.
func (d *Dispatcher) Pending() int {
	n := 0
	d.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}
