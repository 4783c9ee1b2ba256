package relation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arborkit/arbor/ordkey"

	"github.com/cockroachdb/pebble"
	"go.opentelemetry.io/otel"
)

// PebbleStore keeps relations and their change log in a pebble db.
// Inner schema:
// R{uint64 child} : {uint64 parent}{uint32 key}
// L{uint64 seq} : {uint64 child}{flags}{prev relation}{next relation}
// M{name} : {uint64}
type PebbleStore struct {
	db  *pebble.DB
	log *slog.Logger

	// guards the counters and serializes writers
	lk      sync.Mutex
	seq     uint64
	lastEnt uint64
}

const (
	relationValueLen = 8 + 4

	flagHasPrev = 1 << 0
	flagHasNext = 1 << 1
)

var (
	metaSeq        = []byte("Mseq")
	metaCheckpoint = []byte("Mckpt")
	metaEntity     = []byte("Ment")
)

func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: could not open db, %w", path, err)
	}
	ps := &PebbleStore{
		db:  db,
		log: slog.Default().With("system", "pebblestore"),
	}
	if ps.seq, err = ps.readMeta(metaSeq); err != nil {
		db.Close()
		return nil, err
	}
	if ps.lastEnt, err = ps.readMeta(metaEntity); err != nil {
		db.Close()
		return nil, err
	}
	ps.log.Debug("opened relation store", "path", path, "seq", ps.seq, "entities", ps.lastEnt)
	return ps, nil
}

func (ps *PebbleStore) Close() error {
	err := ps.db.Flush()
	if err != nil {
		ps.log.Error("pebble flush", "err", err)
	}
	err = ps.db.Close()
	if err != nil {
		ps.log.Error("pebble close", "err", err)
	}
	return err
}

func (ps *PebbleStore) readMeta(key []byte) (uint64, error) {
	val, closer, err := ps.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("meta %s has %d bytes, want 8", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func makeRelationKey(child EntityID) []byte {
	out := make([]byte, 1+8)
	out[0] = 'R'
	binary.BigEndian.PutUint64(out[1:], uint64(child))
	return out
}

func parseRelationKey(key []byte) EntityID {
	if key[0] != 'R' {
		panic(fmt.Sprintf("relation key must start with R, got %v", key[0]))
	}
	return EntityID(binary.BigEndian.Uint64(key[1:9]))
}

func putRelation(out []byte, rel ChildOf) {
	binary.BigEndian.PutUint64(out, uint64(rel.Parent))
	binary.BigEndian.PutUint32(out[8:], uint32(rel.Key))
}

func parseRelation(val []byte) (ChildOf, error) {
	if len(val) < relationValueLen {
		return ChildOf{}, fmt.Errorf("relation value has %d bytes, want %d", len(val), relationValueLen)
	}
	return ChildOf{
		Parent: EntityID(binary.BigEndian.Uint64(val)),
		Key:    ordkey.Key(binary.BigEndian.Uint32(val[8:])),
	}, nil
}

func makeLogKey(seq uint64) []byte {
	out := make([]byte, 1+8)
	out[0] = 'L'
	binary.BigEndian.PutUint64(out[1:], seq)
	return out
}

func encodeChange(c Change) []byte {
	out := make([]byte, 8+1+2*relationValueLen)
	binary.BigEndian.PutUint64(out, uint64(c.Child))
	pos := 9
	if c.Prev != nil {
		out[8] |= flagHasPrev
		putRelation(out[pos:], *c.Prev)
	}
	pos += relationValueLen
	if c.Next != nil {
		out[8] |= flagHasNext
		putRelation(out[pos:], *c.Next)
	}
	return out
}

func decodeChange(val []byte) (Change, error) {
	if len(val) != 8+1+2*relationValueLen {
		return Change{}, fmt.Errorf("change record has %d bytes", len(val))
	}
	c := Change{Child: EntityID(binary.BigEndian.Uint64(val))}
	flags := val[8]
	pos := 9
	if flags&flagHasPrev != 0 {
		rel, err := parseRelation(val[pos:])
		if err != nil {
			return Change{}, err
		}
		c.Prev = &rel
	}
	pos += relationValueLen
	if flags&flagHasNext != 0 {
		rel, err := parseRelation(val[pos:])
		if err != nil {
			return Change{}, err
		}
		c.Next = &rel
	}
	return c, nil
}

func uint64Bytes(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

func (ps *PebbleStore) NewEntity(ctx context.Context) (EntityID, error) {
	ps.lk.Lock()
	defer ps.lk.Unlock()

	next := ps.lastEnt + 1
	if err := ps.db.Set(metaEntity, uint64Bytes(next), pebble.Sync); err != nil {
		return 0, err
	}
	ps.lastEnt = next
	return EntityID(next), nil
}

func (ps *PebbleStore) Get(ctx context.Context, child EntityID) (ChildOf, bool, error) {
	return ps.get(child)
}

func (ps *PebbleStore) get(child EntityID) (ChildOf, bool, error) {
	val, closer, err := ps.db.Get(makeRelationKey(child))
	if errors.Is(err, pebble.ErrNotFound) {
		return ChildOf{}, false, nil
	}
	if err != nil {
		return ChildOf{}, false, err
	}
	defer closer.Close()
	rel, err := parseRelation(val)
	if err != nil {
		return ChildOf{}, false, fmt.Errorf("relation of %d: %w", child, err)
	}
	return rel, true, nil
}

// logChange writes the relation mutation and its log entry in one batch.
// Callers hold ps.lk.
func (ps *PebbleStore) logChange(c Change) error {
	seq := ps.seq + 1
	batch := ps.db.NewBatch()
	defer batch.Close()

	key := makeRelationKey(c.Child)
	if c.Next != nil {
		val := make([]byte, relationValueLen)
		putRelation(val, *c.Next)
		if err := batch.Set(key, val, nil); err != nil {
			return err
		}
	} else {
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(makeLogKey(seq), encodeChange(c), nil); err != nil {
		return err
	}
	if err := batch.Set(metaSeq, uint64Bytes(seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	ps.seq = seq
	recordChange("pebble", c)
	return nil
}

func (ps *PebbleStore) Set(ctx context.Context, child EntityID, rel ChildOf) error {
	_, span := otel.Tracer("relation").Start(ctx, "PebbleStore.Set")
	defer span.End()

	ps.lk.Lock()
	defer ps.lk.Unlock()

	prev, ok, err := ps.get(child)
	if err != nil {
		return err
	}
	c := Change{Child: child, Next: relPtr(rel)}
	if ok {
		if prev == rel {
			return nil
		}
		c.Prev = relPtr(prev)
	}
	if err := ps.logChange(c); err != nil {
		return fmt.Errorf("setting relation of %d: %w", child, err)
	}
	return nil
}

func (ps *PebbleStore) Delete(ctx context.Context, child EntityID) error {
	_, span := otel.Tracer("relation").Start(ctx, "PebbleStore.Delete")
	defer span.End()

	ps.lk.Lock()
	defer ps.lk.Unlock()

	prev, ok, err := ps.get(child)
	if err != nil || !ok {
		return err
	}
	if err := ps.logChange(Change{Child: child, Prev: relPtr(prev)}); err != nil {
		return fmt.Errorf("deleting relation of %d: %w", child, err)
	}
	return nil
}

func (ps *PebbleStore) ChildrenOf(ctx context.Context, parent EntityID) ([]Entry, error) {
	var out []Entry
	err := ps.Scan(ctx, func(e Entry) error {
		if e.Parent == parent {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (ps *PebbleStore) Scan(ctx context.Context, fn func(Entry) error) error {
	iter, err := ps.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: []byte{'R'},
		UpperBound: []byte{'S'},
	})
	if err != nil {
		return fmt.Errorf("relation iter start, %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("relation iter, %w", err)
		}
		child := parseRelationKey(iter.Key())
		rel, err := parseRelation(val)
		if err != nil {
			return fmt.Errorf("relation of %d: %w", child, err)
		}
		if err := fn(Entry{Child: child, ChildOf: rel}); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (ps *PebbleStore) Diff(ctx context.Context) (*Diff, error) {
	ctx, span := otel.Tracer("relation").Start(ctx, "PebbleStore.Diff")
	defer span.End()

	ps.lk.Lock()
	defer ps.lk.Unlock()

	lower, upper := []byte{'L'}, []byte{'M'}
	iter, err := ps.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("change log iter start, %w", err)
	}

	var changes []Change
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("change log iter, %w", err)
		}
		c, err := decodeChange(val)
		if err != nil {
			iter.Close()
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		batch := ps.db.NewBatch()
		defer batch.Close()
		if err := batch.DeleteRange(lower, upper, nil); err != nil {
			return nil, err
		}
		if err := batch.Set(metaCheckpoint, uint64Bytes(ps.seq), nil); err != nil {
			return nil, err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return nil, fmt.Errorf("truncating change log: %w", err)
		}
		ps.log.Debug("consumed change log", "changes", len(changes), "checkpoint", ps.seq)
	}

	d := FoldChanges(changes)
	recordDiff("pebble", d)
	return d, nil
}
