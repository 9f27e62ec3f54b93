package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/webitel/event-stream-service/internal/domain/event"
	bolt "go.etcd.io/bbolt"
)

var _ EventCache = (*Bolt)(nil)

var (
	bucketEvents = []byte("events")
	bucketSeq    = []byte("seq")
	bucketIDs    = []byte("ids")
	keyCount     = []byte("n")
)

var errCorruptEntry = errors.New("bolt cache: corrupt entry")

// OpenBoltDB opens the shared database file used by every bolt-backed channel.
func OpenBoltDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Bolt stores a channel under events/<channel>:
//
//	seq/<8-byte big-endian sequence>  -> uvarint(len(id)) | id | frame
//	ids/<id>                          -> sequence
//	n                                 -> entry count
//
// Big-endian sequence keys make lexicographic cursor order equal insertion order.
type Bolt struct {
	db      *bolt.DB
	channel []byte
	length  int
}

func NewBolt(db *bolt.DB, channel string, length int) (*Bolt, error) {
	b := &Bolt{db: db, channel: []byte(channel), length: length}
	err := db.Update(func(tx *bolt.Tx) error {
		ch, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists(b.channel)
		if err != nil {
			return err
		}
		if _, err := ch.CreateBucketIfNotExists(bucketSeq); err != nil {
			return err
		}
		_, err = ch.CreateBucketIfNotExists(bucketIDs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", channel, err)
	}
	return b, nil
}

func encodeSeq(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func encodeEntry(id string, frame []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(id)+len(frame))
	n := binary.PutUvarint(buf, uint64(len(id)))
	n += copy(buf[n:], id)
	n += copy(buf[n:], frame)
	return buf[:n]
}

func decodeEntry(v []byte) (id string, frame []byte, err error) {
	l, n := binary.Uvarint(v)
	if n <= 0 || uint64(len(v)-n) < l {
		return "", nil, errCorruptEntry
	}
	id = string(v[n : n+int(l)])
	frame = append([]byte(nil), v[n+int(l):]...)
	return id, frame, nil
}

func (b *Bolt) bucket(tx *bolt.Tx) (ch, seq, ids *bolt.Bucket) {
	ch = tx.Bucket(bucketEvents).Bucket(b.channel)
	return ch, ch.Bucket(bucketSeq), ch.Bucket(bucketIDs)
}

func count(ch *bolt.Bucket) uint64 {
	if v := ch.Get(keyCount); len(v) == 8 {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (b *Bolt) Put(_ context.Context, ev *event.Event) error {
	fr, err := frame(ev)
	if err != nil {
		return err
	}
	id := []byte(ev.ID())

	return b.db.Update(func(tx *bolt.Tx) error {
		ch, seq, ids := b.bucket(tx)

		if k := ids.Get(id); k != nil {
			return seq.Put(append([]byte(nil), k...), encodeEntry(ev.ID(), fr))
		}

		next, err := seq.NextSequence()
		if err != nil {
			return err
		}
		k := encodeSeq(next)
		if err := seq.Put(k, encodeEntry(ev.ID(), fr)); err != nil {
			return err
		}
		if err := ids.Put(id, k); err != nil {
			return err
		}

		n := count(ch) + 1
		c := seq.Cursor()
		for n > uint64(max(b.length, 0)) {
			k, v := c.First()
			if k == nil {
				break
			}
			oldID, _, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := ids.Delete([]byte(oldID)); err != nil {
				return err
			}
			n--
		}
		return ch.Put(keyCount, encodeSeq(n))
	})
}

func (b *Bolt) GetSince(_ context.Context, lastID string) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		_, seq, ids := b.bucket(tx)

		start := ids.Get([]byte(lastID))
		if start == nil {
			return nil
		}

		c := seq.Cursor()
		k, _ := c.Seek(start)
		if k == nil {
			return nil
		}
		for _, v := c.Next(); v != nil; _, v = c.Next() {
			_, fr, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, fr)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) GetAll(_ context.Context) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		_, seq, _ := b.bucket(tx)
		return seq.ForEach(func(_, v []byte) error {
			_, fr, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, fr)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) Size(_ context.Context) (int, error) {
	var n uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		ch, _, _ := b.bucket(tx)
		n = count(ch)
		return nil
	})
	return int(n), err
}

// Close is a no-op: the database is shared and closed by the Provider.
func (b *Bolt) Close() error { return nil }
