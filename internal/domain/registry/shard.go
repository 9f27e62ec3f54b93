package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/webitel/event-stream-service/internal/domain/model"
)

var errShardStopped = errors.New("shard stopped")

// shardOp is one mailbox entry: either a frame to deliver or a connection to adopt.
// Both travel through the same queue so a new client only sees frames enqueued after it.
type shardOp struct {
	frame []byte
	add   *Connection
	ack   chan struct{}
}

// Shard owns a partition of a channel's subscribers.
//
// The connection set is touched only by the shard's own loop: deliveries, adoptions and
// hang-up reports all arrive as messages. A slow subscriber never stalls the loop because
// Connection.Send does not block.
type Shard struct {
	// [IDENTITY]
	id    int
	owner string

	// [MAILBOX]
	mailbox chan shardOp
	// [REAPER] hang-ups reported by connection watchers
	hangups chan *Connection
	done    chan struct{}

	clients map[uuid.UUID]*Connection

	numClients     atomic.Int64
	numConnects    atomic.Uint64
	numDisconnects atomic.Uint64
	numErrors      atomic.Uint64

	logger *slog.Logger
}

func NewShard(channel string, id, mailboxSize int, logger *slog.Logger) *Shard {
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	return &Shard{
		id:      id,
		owner:   shardOwner(channel, id),
		mailbox: make(chan shardOp, mailboxSize),
		hangups: make(chan *Connection, mailboxSize),
		done:    make(chan struct{}),
		clients: make(map[uuid.UUID]*Connection),
		logger:  logger.With("shard", id),
	}
}

// Owner is the handover tag of connections held by this shard.
func (s *Shard) Owner() string { return s.owner }

// Run drives the shard until ctx is cancelled, then closes every owned connection.
func (s *Shard) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case op := <-s.mailbox:
			if op.add != nil {
				s.adopt(op.add)
				close(op.ack)
				continue
			}
			s.deliver(op.frame)
		case c := <-s.hangups:
			s.remove(c, false)
		}
	}
}

// AddClient queues conn for adoption and waits until the shard owns it.
func (s *Shard) AddClient(ctx context.Context, conn *Connection) error {
	if s.stopped() {
		return errShardStopped
	}
	op := shardOp{add: conn, ack: make(chan struct{})}
	select {
	case s.mailbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errShardStopped
	}
	select {
	case <-op.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errShardStopped
	}
}

// Broadcast queues a frame for every owned connection. It blocks only while the
// mailbox is full, which means the shard loop itself is behind.
func (s *Shard) Broadcast(ctx context.Context, frame []byte) error {
	if s.stopped() {
		return errShardStopped
	}
	select {
	case s.mailbox <- shardOp{frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errShardStopped
	}
}

func (s *Shard) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// TryBroadcast queues a frame unless the mailbox is full.
func (s *Shard) TryBroadcast(frame []byte) bool {
	select {
	case s.mailbox <- shardOp{frame: frame}:
		return true
	default:
		return false
	}
}

func (s *Shard) adopt(c *Connection) {
	if c.IsDead() {
		return
	}
	s.clients[c.ID()] = c
	s.numClients.Add(1)
	s.numConnects.Add(1)
	go s.watch(c)
}

// watch reports the connection once its socket reads fail.
func (s *Shard) watch(c *Connection) {
	c.watch()
	select {
	case s.hangups <- c:
	case <-s.done:
	}
}

func (s *Shard) deliver(frame []byte) {
	// deleting from a map during range is safe
	for _, c := range s.clients {
		if c.IsDead() {
			s.remove(c, false)
			continue
		}
		if !c.IsFilterAcceptable(frame) {
			continue
		}
		if _, err := c.Send(frame); err != nil {
			s.logger.Debug("CLIENT_SEND_FAILED", "conn", c.ID(), "remote", c.RemoteAddr(), "err", err)
			s.remove(c, true)
		}
	}
}

func (s *Shard) remove(c *Connection, failed bool) {
	if _, ok := s.clients[c.ID()]; !ok {
		return
	}
	delete(s.clients, c.ID())
	c.MarkDead()
	s.numClients.Add(-1)
	s.numDisconnects.Add(1)
	if failed {
		s.numErrors.Add(1)
	}
}

func (s *Shard) closeAll() {
	for id, c := range s.clients {
		c.MarkDead()
		delete(s.clients, id)
		s.numClients.Add(-1)
		s.numDisconnects.Add(1)
	}
}

func (s *Shard) Stats() model.ShardStats {
	return model.ShardStats{
		ShardID:     s.id,
		Clients:     s.numClients.Load(),
		Connects:    s.numConnects.Load(),
		Disconnects: s.numDisconnects.Load(),
		Errors:      s.numErrors.Load(),
	}
}
