package swcache

import (
	"context"
)

// TieredProvider puts a bounded RAM LRU in front of a durable provider.
// Writes go to the durable tier first, so an entry evicted from RAM is still
// served from disk (or S3) and nothing a successful Put stored is lost.
type TieredProvider struct {
	ram  *MemoryProvider
	back Provider
}

func NewTieredProvider(back Provider, maxBytes int64, overflow *rateLimitedLogger) *TieredProvider {
	return &TieredProvider{ram: NewMemoryProvider(maxBytes, overflow), back: back}
}

func (t *TieredProvider) Open(ctx context.Context, name string) (Partition, error) {
	back, err := t.back.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	front, err := t.ram.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &tieredPartition{front: front, back: back}, nil
}

func (t *TieredProvider) Names(ctx context.Context) ([]string, error) {
	return t.back.Names(ctx)
}

func (t *TieredProvider) Delete(ctx context.Context, name string) (bool, error) {
	_, _ = t.ram.Delete(ctx, name)
	return t.back.Delete(ctx, name)
}

func (t *TieredProvider) Close() error {
	return t.back.Close()
}

type tieredPartition struct {
	front Partition
	back  Partition
}

func (p *tieredPartition) Match(ctx context.Context, key string) (Entry, bool, error) {
	if ent, ok, err := p.front.Match(ctx, key); err == nil && ok {
		return ent, true, nil
	}
	ent, ok, err := p.back.Match(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	// Promotion is best effort; entries over the RAM budget stay on disk only.
	_ = p.front.Put(ctx, key, ent)
	return ent, true, nil
}

func (p *tieredPartition) Put(ctx context.Context, key string, ent Entry) error {
	if err := p.back.Put(ctx, key, ent); err != nil {
		return err
	}
	_ = p.front.Put(ctx, key, ent)
	return nil
}

func (p *tieredPartition) Len(ctx context.Context) (int, error) {
	return p.back.Len(ctx)
}
