package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// 键布局：
//
//	g:<generation>            -> generationMeta
//	e:<generation>\x00<url>   -> storedEntry
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	keySeparator     = "\x00"
)

type generationMeta struct {
	CreatedAt time.Time
}

type storedEntry struct {
	Entry Entry
	Body  []byte
}

// leveldbStore 将所有缓存代保存在同一个 LevelDB 实例中，批量写入保证原子性。
type leveldbStore struct {
	db *leveldb.DB
}

// NewLevelDBStorage 在 <basePath>/leveldb 打开（或创建）数据库。
func NewLevelDBStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(abs, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &storage{b: &leveldbStore{db: db}}, nil
}

func (s *leveldbStore) createGeneration(ctx context.Context, name string) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	key := generationKey(name)
	exists, err := tr.Has(key, nil)
	if err != nil || exists {
		return err
	}
	raw, err := encodeGob(generationMeta{CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := tr.Put(key, raw, nil); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *leveldbStore) hasGeneration(ctx context.Context, name string) (bool, error) {
	return s.db.Has(generationKey(name), nil)
}

// deleteGeneration 在事务内枚举并删除条目，与 putBatch 串行，避免遗留孤立条目。
func (s *leveldbStore) deleteGeneration(ctx context.Context, name string) (bool, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return false, err
	}
	defer tr.Discard()

	exists, err := tr.Has(generationKey(name), nil)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := tr.NewIterator(util.BytesPrefix(entryGenerationPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(generationKey(name))
	if err := tr.Write(batch, nil); err != nil {
		return false, err
	}
	if err := tr.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *leveldbStore) generations(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(generationPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *leveldbStore) get(ctx context.Context, gen, key string) (*Entry, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	raw, err := s.db.Get(entryKey(gen, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	var stored storedEntry
	if err := decodeGob(raw, &stored); err != nil {
		return nil, nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &stored.Entry, io.NopCloser(bytes.NewReader(stored.Body)), nil
}

// putBatch 的存在性检查与写入位于同一事务，缓存代被删除后不会留下条目。
func (s *leveldbStore) putBatch(ctx context.Context, gen string, items []pendingEntry) error {
	batch := new(leveldb.Batch)
	for _, item := range items {
		raw, err := encodeGob(storedEntry{Entry: item.entry, Body: item.body})
		if err != nil {
			return err
		}
		batch.Put(entryKey(gen, item.entry.Key), raw)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	defer tr.Discard()

	exists, err := tr.Has(generationKey(gen), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGenerationGone
	}
	if err := tr.Write(batch, nil); err != nil {
		return err
	}
	return tr.Commit()
}

func (s *leveldbStore) remove(ctx context.Context, gen, key string) (bool, error) {
	k := entryKey(gen, key)
	exists, err := s.db.Has(k, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := s.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *leveldbStore) keys(ctx context.Context, gen string) ([]string, error) {
	prefix := entryGenerationPrefix(gen)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *leveldbStore) close() error {
	return s.db.Close()
}

func generationKey(name string) []byte {
	return []byte(generationPrefix + name)
}

func entryGenerationPrefix(gen string) []byte {
	return []byte(entryPrefix + gen + keySeparator)
}

func entryKey(gen, key string) []byte {
	return []byte(entryPrefix + gen + keySeparator + key)
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
