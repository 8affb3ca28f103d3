package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
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

	return &storage{b: &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入。磁盘布局：
//
//	<StoragePath>/<generation>/<sha1(url)>.body   # 正文
//	<StoragePath>/<generation>/<sha1(url)>.meta   # 状态码、头部等 JSON 元信息
type fileStore struct {
	basePath string

	// genMu 令缓存代的创建/删除与条目写入互斥，写入之间可以并发。
	genMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) createGeneration(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return os.MkdirAll(s.generationDir(name), 0o755)
}

func (s *fileStore) hasGeneration(ctx context.Context, name string) (bool, error) {
	info, err := os.Stat(s.generationDir(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) deleteGeneration(ctx context.Context, name string) (bool, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	exists, err := s.hasGeneration(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(s.generationDir(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) generations(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) get(ctx context.Context, gen, key string) (*Entry, io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	base := s.entryBase(gen, key)
	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil, fmt.Errorf("decode cache meta: %w", err)
	}

	f, err := os.Open(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return &entry, f, nil
}

func (s *fileStore) putBatch(ctx context.Context, gen string, items []pendingEntry) error {
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	dir := s.generationDir(gen)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ErrGenerationGone
	}

	type staged struct {
		base     string
		bodyTemp string
		metaTemp string
	}
	prepared := make([]staged, 0, len(items))
	cleanup := func() {
		for _, st := range prepared {
			os.Remove(st.bodyTemp)
			os.Remove(st.metaTemp)
		}
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		meta, err := json.Marshal(item.entry)
		if err != nil {
			cleanup()
			return err
		}
		bodyTemp, err := writeTemp(dir, item.body)
		if err != nil {
			cleanup()
			return err
		}
		metaTemp, err := writeTemp(dir, meta)
		if err != nil {
			os.Remove(bodyTemp)
			cleanup()
			return err
		}
		prepared = append(prepared, staged{
			base:     s.entryBase(gen, item.entry.Key),
			bodyTemp: bodyTemp,
			metaTemp: metaTemp,
		})
	}

	// 所有临时文件就绪后再统一 rename，正文先于元信息落盘。
	for i, st := range prepared {
		unlock := s.lockEntry(st.base)
		err := os.Rename(st.bodyTemp, st.base+bodySuffix)
		if err == nil {
			err = os.Rename(st.metaTemp, st.base+metaSuffix)
		}
		unlock()
		if err != nil {
			prepared = prepared[i:]
			cleanup()
			return err
		}
	}
	return nil
}

func (s *fileStore) remove(ctx context.Context, gen, key string) (bool, error) {
	base := s.entryBase(gen, key)
	unlock := s.lockEntry(base)
	defer unlock()

	err := os.Remove(base + metaSuffix)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	existed := err == nil
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) keys(ctx context.Context, gen string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.generationDir(gen), "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matches))
	for _, match := range matches {
		raw, err := os.ReadFile(match)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) close() error {
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationDir(name string) string {
	return filepath.Join(s.basePath, url.PathEscape(name))
}

func (s *fileStore) entryBase(gen, key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(s.generationDir(gen), hex.EncodeToString(sum[:]))
}

func writeTemp(dir string, payload []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_, err = f.Write(payload)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

