package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/trip-cache/internal/cache"
	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/host"
	"github.com/any-hub/trip-cache/internal/server"
	"github.com/any-hub/trip-cache/internal/worker"
)

const pageOrigin = "https://bcn-trip.local"

func TestProxyServesPrecachedAssetWithoutNetwork(t *testing.T) {
	env := newProxyEnv(t)
	before := env.upstream.hits("/index.html")

	resp := env.do(t, pageRequest("/index.html", ""))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trip-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header")
	}
	if body := readBody(t, resp); body != "<html>trip</html>" {
		t.Fatalf("unexpected body: %s", body)
	}
	if env.upstream.hits("/index.html") != before {
		t.Fatalf("precached asset must not reach upstream")
	}
	if !strings.Contains(resp.Header.Get("Set-Cookie"), ClientCookie+"=") {
		t.Fatalf("expected client cookie to be issued")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	if !strings.Contains(env.logs.String(), "proxy_complete") {
		t.Fatalf("expected proxy_complete log, got %s", env.logs.String())
	}
}

func TestProxyCachesSameOriginMiss(t *testing.T) {
	env := newProxyEnv(t)

	first := env.do(t, pageRequest("/itinerary.json?day=2", "page-1"))
	if first.StatusCode != fiber.StatusOK || first.Header.Get("X-Trip-Cache-Hit") != "false" {
		t.Fatalf("expected network response, got %d hit=%s", first.StatusCode, first.Header.Get("X-Trip-Cache-Hit"))
	}
	if body := readBody(t, first); body != "itinerary" {
		t.Fatalf("unexpected body: %s", body)
	}
	env.registration.Wait()

	second := env.do(t, pageRequest("/itinerary.json?day=2", "page-1"))
	if second.Header.Get("X-Trip-Cache-Hit") != "true" {
		t.Fatalf("expected second request to be served from cache")
	}
	if body := readBody(t, second); body != "itinerary" {
		t.Fatalf("unexpected cached body: %s", body)
	}
	if n := env.upstream.hits("/itinerary.json"); n != 1 {
		t.Fatalf("expected a single upstream hit, got %d", n)
	}
}

func TestProxyPassesThroughNotFound(t *testing.T) {
	env := newProxyEnv(t)

	resp := env.do(t, pageRequest("/c.png", "page-1"))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", resp.StatusCode)
	}
	env.registration.Wait()

	c, err := env.storage.Open(context.Background(), "bcn-trip-v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, pageOrigin+"/c.png", nil)
	if _, err := c.Match(context.Background(), req); err == nil {
		t.Fatalf("404 responses must not be cached")
	}
}

func TestProxyCrossOriginGoesToNetwork(t *testing.T) {
	env := newProxyEnv(t)
	target, _ := url.Parse(env.upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/font.css", nil)
	req.Host = target.Host
	resp := env.do(t, req)
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get("X-Trip-Cache-Hit") != "false" {
		t.Fatalf("expected network response, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "font" {
		t.Fatalf("unexpected body: %s", body)
	}
	env.registration.Wait()

	c, _ := env.storage.Open(context.Background(), "bcn-trip-v1")
	keys, _ := c.Keys(context.Background())
	for _, k := range keys {
		if strings.Contains(k, "font.css") {
			t.Fatalf("cross-origin response must not be cached: %v", keys)
		}
	}
}

func TestProxyCrossOriginFailureReturnsBadGateway(t *testing.T) {
	env := newProxyEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/lib.js", nil)
	req.Host = "127.0.0.1:1"
	resp := env.do(t, req)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "network_failed") {
		t.Fatalf("expected network_failed body, got %s", body)
	}
	if !strings.Contains(env.logs.String(), "proxy_failed") {
		t.Fatalf("expected proxy_failed log, got %s", env.logs.String())
	}
}

func TestProxyStripsHopByHopFromResponse(t *testing.T) {
	env := newProxyEnv(t)

	resp := env.do(t, pageRequest("/hop", "page-1"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Proxy-Authenticate") != "" {
		t.Fatalf("hop-by-hop header leaked to client")
	}
	if resp.Header.Get("X-Trip-Test") != "kept" {
		t.Fatalf("end-to-end header should be kept")
	}
}

type proxyEnv struct {
	app          *fiber.App
	upstream     *upstreamStub
	storage      cache.Storage
	registration *host.Registration
	logs         *syncBuffer
}

func newProxyEnv(t *testing.T) *proxyEnv {
	t.Helper()

	upstream := newUpstreamStub(t)
	origin, _ := url.Parse(pageOrigin)
	upstreamURL, _ := url.Parse(upstream.URL)

	logs := &syncBuffer{}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(logs)

	network, err := fetch.NewClient(fetch.NewHTTPClient(0), fetch.ClientOptions{Origin: origin, Upstream: upstreamURL})
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	storage, err := cache.NewStorage(cache.DriverFS, t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	scope, _ := url.Parse(pageOrigin + "/")
	agent, err := worker.New(worker.Options{
		Config:  worker.Config{CacheName: "bcn-trip-v1", Assets: []string{"index.html", "manifest.json"}, Scope: scope},
		Storage: storage,
		Network: network,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	registration := host.NewRegistration(network, logger)
	if err := registration.Register(context.Background(), agent); err != nil {
		t.Fatalf("register: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      NewForwarder(NewHandler(registration, origin, logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() {
		registration.Wait()
		storage.Close()
	})
	return &proxyEnv{app: app, upstream: upstream, storage: storage, registration: registration, logs: logs}
}

func (e *proxyEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func pageRequest(target, clientID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "bcn-trip.local"
	if clientID != "" {
		req.AddCookie(&http.Cookie{Name: ClientCookie, Value: clientID})
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

type upstreamStub struct {
	*httptest.Server
	mu     sync.Mutex
	counts map[string]int
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{counts: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>trip</html>"))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"bcn-trip"}`))
	})
	mux.HandleFunc("/itinerary.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("itinerary"))
	})
	mux.HandleFunc("/font.css", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("font"))
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.Header().Set("X-Trip-Test", "kept")
		_, _ = w.Write([]byte("hop"))
	})
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.counts[r.URL.Path]++
		stub.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[path]
}

// syncBuffer 允许后台写缓存的日志与测试读取并发进行。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
