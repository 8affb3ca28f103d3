package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/trip-cache/internal/fetch"
)

// backend 是两种存储实现共享的最小原语，缓存代语义统一在 generation 中实现。
type backend interface {
	createGeneration(ctx context.Context, name string) error
	hasGeneration(ctx context.Context, name string) (bool, error)
	deleteGeneration(ctx context.Context, name string) (bool, error)
	generations(ctx context.Context) ([]string, error)

	get(ctx context.Context, gen, key string) (*Entry, io.ReadCloser, error)
	// putBatch 一次性写入多个条目；缓存代不存在时返回 ErrGenerationGone。
	putBatch(ctx context.Context, gen string, items []pendingEntry) error
	remove(ctx context.Context, gen, key string) (bool, error)
	keys(ctx context.Context, gen string) ([]string, error)

	close() error
}

type pendingEntry struct {
	entry Entry
	body  []byte
}

// storage 将 backend 包装为 Storage。
type storage struct {
	b backend
}

func (s *storage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateGenerationName(name); err != nil {
		return nil, err
	}
	if err := s.b.createGeneration(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &generation{name: name, b: s.b, now: time.Now}, nil
}

func (s *storage) Lookup(ctx context.Context, name string) (Cache, bool, error) {
	if err := validateGenerationName(name); err != nil {
		return nil, false, err
	}
	exists, err := s.b.hasGeneration(ctx, name)
	if err != nil || !exists {
		return nil, false, err
	}
	return &generation{name: name, b: s.b, now: time.Now}, true, nil
}

func (s *storage) Has(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	return s.b.hasGeneration(ctx, name)
}

func (s *storage) Delete(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	return s.b.deleteGeneration(ctx, name)
}

func (s *storage) Keys(ctx context.Context) ([]string, error) {
	return s.b.generations(ctx)
}

func (s *storage) Close() error {
	return s.b.close()
}

// generation 实现单个缓存代的 Match/Put/AddAll 语义。
type generation struct {
	name string
	b    backend
	now  func() time.Time
}

func (g *generation) Name() string {
	return g.name
}

func (g *generation) Match(ctx context.Context, req *http.Request) (*fetch.Response, error) {
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	key, err := RequestKey(req)
	if err != nil {
		return nil, err
	}
	entry, body, err := g.b.get(ctx, g.name, key)
	if err != nil {
		return nil, err
	}
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &fetch.Response{
		Status:     entry.Status,
		StatusText: entry.StatusText,
		Header:     header,
		Body:       body,
		Type:       entry.Type,
		URL:        entry.URL,
		Cached:     true,
	}, nil
}

func (g *generation) Put(ctx context.Context, req *http.Request, resp *fetch.Response) error {
	item, err := g.pending(req, resp)
	if err != nil {
		return err
	}
	return g.b.putBatch(ctx, g.name, []pendingEntry{item})
}

func (g *generation) AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*http.Request) error {
	if fetcher == nil {
		return errors.New("fetcher required")
	}
	for _, req := range reqs {
		if req == nil || req.Method != http.MethodGet {
			return ErrMethodNotAllowed
		}
	}

	items := make([]pendingEntry, len(reqs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		eg.Go(func() error {
			resp, err := fetcher.Fetch(egCtx, req.Clone(egCtx))
			if err != nil {
				return err
			}
			if resp.Type == fetch.TypeError || !resp.OK() {
				resp.Close()
				return fmt.Errorf("%w: %s status %d", ErrBadResponse, req.URL.Redacted(), resp.Status)
			}
			item, err := g.pending(req, resp)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return g.b.putBatch(ctx, g.name, items)
}

func (g *generation) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if req == nil || req.Method != http.MethodGet {
		return false, nil
	}
	key, err := RequestKey(req)
	if err != nil {
		return false, err
	}
	return g.b.remove(ctx, g.name, key)
}

func (g *generation) Keys(ctx context.Context) ([]string, error) {
	return g.b.keys(ctx, g.name)
}

func (g *generation) pending(req *http.Request, resp *fetch.Response) (pendingEntry, error) {
	if req == nil || req.Method != http.MethodGet {
		return pendingEntry{}, ErrMethodNotAllowed
	}
	if resp == nil {
		return pendingEntry{}, errors.New("response required")
	}
	key, err := RequestKey(req)
	if err != nil {
		return pendingEntry{}, err
	}
	body, err := resp.ReadAll()
	if err != nil {
		return pendingEntry{}, fmt.Errorf("read response body: %w", err)
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	responseURL := resp.URL
	if responseURL == "" {
		responseURL = key
	}
	return pendingEntry{
		entry: Entry{
			Key:        key,
			Status:     resp.Status,
			StatusText: resp.StatusText,
			Header:     header,
			Type:       resp.Type,
			URL:        responseURL,
			StoredAt:   g.now().UTC(),
			SizeBytes:  int64(len(body)),
		},
		body: body,
	}, nil
}

func validateGenerationName(name string) error {
	switch name {
	case "":
		return errors.New("cache name required")
	case ".", "..":
		return fmt.Errorf("invalid cache name: %s", name)
	}
	return nil
}
