package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Batch accumulates mutations and commits them as one MULTI/EXEC
// transaction. A batch that fails to commit leaves no observable effect.
//
// The batch also keeps a staged view of plain-key writes so that a
// read-modify-write routine running later within the same changelog entry
// observes earlier pending writes (Get consults the staged view before the
// store). Set-operation staging is not tracked; the transformer never reads
// set membership while building a batch.
type Batch struct {
	store  *Store
	ops    []func(ctx context.Context, p redis.Pipeliner) error
	staged map[string]*string // nil value marks a staged delete
}

// NewBatch starts an empty batch against the store.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		store:  s,
		staged: make(map[string]*string),
	}
}

// Len reports the number of buffered operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Get reads key through the batch: staged writes shadow the store.
func (b *Batch) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok := b.staged[key]; ok {
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	return b.store.Get(ctx, key)
}

// Set stages a write of value at key.
func (b *Batch) Set(key, value string) {
	v := value
	b.staged[key] = &v
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) error {
		return p.Set(ctx, key, value, 0).Err()
	})
}

// Del stages removal of keys.
func (b *Batch) Del(keys ...string) {
	for _, key := range keys {
		b.staged[key] = nil
	}
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) error {
		return p.Del(ctx, keys...).Err()
	})
}

// SetAdd stages adding member to the set at key.
func (b *Batch) SetAdd(key, member string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) error {
		return p.SAdd(ctx, key, member).Err()
	})
}

// SetRemove stages removing member from the set at key.
func (b *Batch) SetRemove(key, member string) {
	b.ops = append(b.ops, func(ctx context.Context, p redis.Pipeliner) error {
		return p.SRem(ctx, key, member).Err()
	})
}

// Commit applies the batch atomically. An empty batch is a no-op.
func (s *Store) Commit(ctx context.Context, b *Batch) error {
	if len(b.ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range b.ops {
			if err := op(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("exec", err)
}
