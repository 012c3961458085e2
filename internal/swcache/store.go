package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
)

// Partition is a named key-value store of responses. Implementations must be
// safe for concurrent use; a Put replaces the whole entry for a key.
type Partition interface {
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, ent Entry) error
	Len(ctx context.Context) (int, error)
}

// Provider owns the set of partitions.
type Provider interface {
	// Open returns the named partition, creating it if absent.
	Open(ctx context.Context, name string) (Partition, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the partition and all its entries. It reports whether
	// the partition existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
