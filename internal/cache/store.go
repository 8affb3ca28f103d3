package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/trip-cache/internal/fetch"
)

// Storage 管理所有缓存代（generation），对应浏览器的 CacheStorage。
type Storage interface {
	// Open 返回指定名称的缓存代，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Lookup 返回已存在的缓存代，不存在时 ok 为 false 且不会创建。
	Lookup(ctx context.Context, name string) (c Cache, ok bool, err error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存代及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回所有缓存代名称（字典序）。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个缓存代，键为 GET 请求的 URL（去掉 fragment）。
type Cache interface {
	Name() string

	// Match 返回已存储的响应副本；未命中或非 GET 请求返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*fetch.Response, error)

	// Put 消费 resp 的正文并覆盖写入同一键。
	Put(ctx context.Context, req *http.Request, resp *fetch.Response) error

	// AddAll 并发抓取全部请求，任一失败则整体失败且不写入任何条目。
	AddAll(ctx context.Context, fetcher fetch.Fetcher, reqs []*http.Request) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, req *http.Request) (bool, error)

	// Keys 返回当前缓存代内的全部 URL（字典序）。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotAllowed 表示仅 GET 请求可以写入缓存。
	ErrMethodNotAllowed = errors.New("only GET requests can be cached")
	// ErrGenerationGone 表示写入目标缓存代已被删除。
	ErrGenerationGone = errors.New("cache generation deleted")
	// ErrBadResponse 表示 AddAll 期间某个响应不是 2xx。
	ErrBadResponse = errors.New("bad response for cached request")
)

// Driver 选择存储后端。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
)

// NewStorage 根据 driver 构建存储后端，basePath 为根目录。
func NewStorage(driver, basePath string) (Storage, error) {
	switch driver {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		return NewLevelDBStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// Entry 是存储条目的元信息，正文单独保存。
type Entry struct {
	Key        string      `json:"key"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Type       fetch.Type  `json:"type"`
	URL        string      `json:"url"`
	StoredAt   time.Time   `json:"stored_at"`
	SizeBytes  int64       `json:"size_bytes"`
}

// RequestKey 计算请求在缓存代中的键：去掉 fragment 的完整 URL。
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", errors.New("request url required")
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
