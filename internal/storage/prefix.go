package storage

// PrefixDB namespaces a shared DB by prepending a fixed byte prefix to
// every key. Each subsystem gets its own PrefixDB over the node's single
// database and never sees another subsystem's records.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB wraps inner under the given namespace prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

// join concatenates the namespace prefix and a logical key.
func join(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	return append(append(out, prefix...), key...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(join(p.prefix, key))
}

func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(join(p.prefix, key), value)
}

func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(join(p.prefix, key))
}

func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(join(p.prefix, key))
}

// ForEach iterates the namespace; callbacks see logical keys with the
// namespace prefix already stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(join(p.prefix, prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// DeleteAll drops every key in this namespace. Keys are collected before
// deleting so the underlying iterator is never invalidated.
func (p *PrefixDB) DeleteAll() error {
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.inner.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op: the shared DB owns its lifecycle.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch whose writes land inside this namespace. When
// the inner DB batches atomically the namespace batch does too; otherwise
// writes are buffered and applied one by one on Commit.
func (p *PrefixDB) NewBatch() Batch {
	if batcher, ok := p.inner.(Batcher); ok {
		return &prefixBatch{inner: batcher.NewBatch(), prefix: p.prefix}
	}
	return &bufferedBatch{db: p}
}

type prefixBatch struct {
	inner  Batch
	prefix []byte
}

func (pb *prefixBatch) Put(key, value []byte) error {
	return pb.inner.Put(join(pb.prefix, key), value)
}

func (pb *prefixBatch) Delete(key []byte) error {
	return pb.inner.Delete(join(pb.prefix, key))
}

func (pb *prefixBatch) Commit() error { return pb.inner.Commit() }

// bufferedBatch is the non-atomic fallback for inner DBs without batch
// support. A nil value marks a delete.
type bufferedBatch struct {
	db  *PrefixDB
	ops []bufferedOp
}

type bufferedOp struct {
	key   []byte
	value []byte
}

func (b *bufferedBatch) Put(key, value []byte) error {
	// Copy with make so an empty value stays non-nil and is not mistaken
	// for a delete.
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, bufferedOp{key: append([]byte(nil), key...), value: v})
	return nil
}

func (b *bufferedBatch) Delete(key []byte) error {
	b.ops = append(b.ops, bufferedOp{key: append([]byte(nil), key...)})
	return nil
}

func (b *bufferedBatch) Commit() error {
	for _, op := range b.ops {
		var err error
		if op.value == nil {
			err = b.db.Delete(op.key)
		} else {
			err = b.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
