package swcache

import (
	"context"
	"sort"

	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single LevelDB database:
//
//	n:<partition>            partition registry marker
//	e:<partition>\x00<key>   gob encoded Entry
const (
	ldbNamePrefix  = "n:"
	ldbEntryPrefix = "e:"
	ldbSep         = "\x00"
)

// LevelDBProvider stores every partition in one LevelDB database on disk, so
// cached responses survive restarts of the proxy.
type LevelDBProvider struct {
	db *leveldb.DB
}

func NewLevelDBProvider(path string) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open leveldb at %s", path)
	}
	return &LevelDBProvider{db: db}, nil
}

func (p *LevelDBProvider) Open(_ context.Context, name string) (Partition, error) {
	key := []byte(ldbNamePrefix + name)
	ok, err := p.db.Has(key, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open partition %s", name)
	}
	if !ok {
		if err := p.db.Put(key, nil, nil); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create partition %s", name)
		}
	}
	return &leveldbPartition{db: p.db, prefix: ldbEntryPrefix + name + ldbSep}, nil
}

func (p *LevelDBProvider) Names(context.Context) ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte(ldbNamePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(ldbNamePrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list partitions")
	}
	sort.Strings(out)
	return out, nil
}

func (p *LevelDBProvider) Delete(_ context.Context, name string) (bool, error) {
	nameKey := []byte(ldbNamePrefix + name)
	existed, err := p.db.Has(nameKey, nil)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey)
	it := p.db.NewIterator(util.BytesPrefix([]byte(ldbEntryPrefix+name+ldbSep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
	}
	if err := p.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
	}
	return existed, nil
}

func (p *LevelDBProvider) Close() error {
	return p.db.Close()
}

type leveldbPartition struct {
	db     *leveldb.DB
	prefix string
}

func (p *leveldbPartition) Match(_ context.Context, key string) (Entry, bool, error) {
	b, err := p.db.Get([]byte(p.prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "read entry")
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "decode entry")
	}
	return ent, true, nil
}

func (p *leveldbPartition) Put(_ context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "encode entry")
	}
	if err := p.db.Put([]byte(p.prefix+key), b, nil); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "write entry")
	}
	return nil
}

func (p *leveldbPartition) Len(context.Context) (int, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte(p.prefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "count entries")
	}
	return n, nil
}
