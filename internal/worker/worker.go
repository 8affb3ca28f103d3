package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/trip-cache/internal/cache"
	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/logging"
)

// Config 是注入给 Worker 的不可变配置。CacheName 必须随静态资源或缓存策略的变化而修改。
type Config struct {
	CacheName string
	Assets    []string
	// Scope 是受控页面的基准 URL，同时决定同源判断与资源路径解析。
	Scope *url.URL
}

// Options 汇总 Worker 的依赖。
type Options struct {
	Config  Config
	Storage cache.Storage
	Network fetch.Fetcher
	Logger  *logrus.Logger
}

// Worker 是缓存代理本身，三个入口分别响应 install/activate/fetch 事件。
type Worker struct {
	cacheName string
	assets    []*url.URL
	scope     *url.URL
	storage   cache.Storage
	network   fetch.Fetcher
	logger    *logrus.Logger
}

// New 校验配置并解析静态资源地址。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	scope := opts.Config.Scope
	if scope == nil || scope.Host == "" {
		return nil, errors.New("scope url is required")
	}
	scope = normalizeScope(scope)

	name := strings.TrimSpace(opts.Config.CacheName)
	if name == "" {
		return nil, errors.New("cache name is required")
	}

	assets := make([]*url.URL, 0, len(opts.Config.Assets))
	for _, p := range opts.Config.Assets {
		ref, err := url.Parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid static asset %q: %w", p, err)
		}
		assets = append(assets, scope.ResolveReference(ref))
	}

	return &Worker{
		cacheName: name,
		assets:    assets,
		scope:     scope,
		storage:   opts.Storage,
		network:   opts.Network,
		logger:    opts.Logger,
	}, nil
}

// Version 返回当前版本的缓存代名称。
func (w *Worker) Version() string {
	return w.cacheName
}

// Scope returns the normalized scope URL.
func (w *Worker) Scope() *url.URL {
	u := *w.scope
	return &u
}

// AssetURLs 返回解析后的静态资源绝对地址，顺序与配置一致。
func (w *Worker) AssetURLs() []string {
	out := make([]string, len(w.assets))
	for i, u := range w.assets {
		out[i] = u.String()
	}
	return out
}

// Install 打开当前缓存代并预缓存全部静态资源，同时请求跳过等待。
func (w *Worker) Install(ev *InstallEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		c, err := w.storage.Open(ctx, w.cacheName)
		if err != nil {
			return err
		}
		fields := logging.LifecycleFields("install", w.cacheName)
		fields["assets"] = len(w.assets)
		w.logger.WithFields(fields).Info("caching static assets")

		reqs := make([]*http.Request, 0, len(w.assets))
		for _, u := range w.assets {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		if err := c.AddAll(ctx, w.network, reqs); err != nil {
			return fmt.Errorf("precache %s: %w", w.cacheName, err)
		}
		return nil
	})
	ev.SkipWaiting()
}

// Activate 删除所有非当前名称的缓存代，并立即接管已打开的页面。
func (w *Worker) Activate(ev *ActivateEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		names, err := w.storage.Keys(ctx)
		if err != nil {
			return err
		}
		var g errgroup.Group
		for _, name := range names {
			if name == w.cacheName {
				continue
			}
			g.Go(func() error {
				_, err := w.storage.Delete(ctx, name)
				fields := logging.LifecycleFields("activate", w.cacheName)
				fields["stale_cache"] = name
				if err != nil {
					w.logger.WithFields(fields).WithError(err).Warn("cache_delete_failed")
					return err
				}
				w.logger.WithFields(fields).Info("stale cache deleted")
				return nil
			})
		}
		return g.Wait()
	})
	ev.WaitUntil(ev.Claim)
}

// Fetch 同源请求缓存优先，跨源请求网络优先。
func (w *Worker) Fetch(ev *FetchEvent) {
	req := ev.Request()
	if req == nil || req.URL == nil {
		return
	}

	if !fetch.SameOrigin(req.URL, w.scope) {
		ev.RespondWith(func(ctx context.Context) (*fetch.Response, error) {
			resp, err := w.network.Fetch(ctx, req)
			if err == nil {
				return resp, nil
			}
			cached, matchErr := w.match(ctx, req)
			if matchErr != nil {
				return nil, err
			}
			return cached, nil
		})
		return
	}

	ev.RespondWith(func(ctx context.Context) (*fetch.Response, error) {
		cached, err := w.match(ctx, req)
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, cache.ErrNotFound):
			return nil, err
		}

		resp, err := w.network.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || resp.Status != http.StatusOK || resp.Type == fetch.TypeError {
			return resp, nil
		}

		clone, err := resp.Clone()
		if err != nil {
			return nil, err
		}
		ev.WaitUntil(func(ctx context.Context) error {
			w.store(ctx, req, clone)
			return nil
		})
		return resp, nil
	})
}

// match 只查询当前缓存代，不会因读取而创建缓存代。
func (w *Worker) match(ctx context.Context, req *http.Request) (*fetch.Response, error) {
	c, ok, err := w.storage.Lookup(ctx, w.cacheName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrNotFound
	}
	return c.Match(ctx, req)
}

// store 是 fire-and-forget 写入：失败只记录日志，不影响已返回的响应。
// 只写入已存在的当前缓存代，缓存代若已被新版本删除则放弃写入。
func (w *Worker) store(ctx context.Context, req *http.Request, resp *fetch.Response) {
	fields := logging.LifecycleFields("cache_put", w.cacheName)
	fields["url"] = req.URL.String()

	c, ok, err := w.storage.Lookup(ctx, w.cacheName)
	if err == nil && !ok {
		err = cache.ErrGenerationGone
	}
	if err == nil {
		err = c.Put(ctx, req, resp)
	}
	if err != nil {
		resp.Close()
		w.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
		return
	}
	w.logger.WithFields(fields).Debug("cache_put_complete")
}

func normalizeScope(scope *url.URL) *url.URL {
	u := *scope
	u.RawQuery = ""
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return &u
}
