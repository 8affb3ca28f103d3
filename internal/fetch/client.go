package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"
)

// Fetcher 执行一次网络请求。返回 error 代表网络层失败（没有任何响应）。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回共享 http.Client。timeout <= 0 时退回 30s。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// ClientOptions 描述页面源与其真实托管地址。
type ClientOptions struct {
	// Origin 是受控页面在浏览器中看到的源，例如 https://bcn-trip.local。
	Origin *url.URL
	// Upstream 是同源请求实际回源的地址；为空时直接访问 Origin。
	Upstream *url.URL
}

// Client 是真实网络实现：同源请求回源到 Upstream，跨源请求按原 URL 发出。
type Client struct {
	http     *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewClient 基于共享 http.Client 构造网络客户端。
func NewClient(httpClient *http.Client, opts ClientOptions) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	upstream := opts.Upstream
	if upstream == nil || upstream.Host == "" {
		upstream = opts.Origin
	}
	return &Client{
		http:     httpClient,
		origin:   opts.Origin,
		upstream: upstream,
	}, nil
}

// Fetch 实现 Fetcher。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	sameOrigin := SameOrigin(req.URL, c.origin)

	target := *req.URL
	target.Fragment = ""
	if sameOrigin {
		target.Scheme = c.upstream.Scheme
		target.Host = c.upstream.Host
		if base := c.upstream.Path; base != "" && base != "/" {
			target.Path = singleJoiningSlash(base, target.Path)
			target.RawPath = ""
		}
	}

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	out.Host = target.Host
	if sameOrigin {
		out.Header.Set("X-Forwarded-Host", req.URL.Host)
		out.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}

	result := &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     http.Header{},
		Body:       resp.Body,
		Type:       TypeCORS,
		URL:        req.URL.String(),
	}
	if sameOrigin {
		result.Type = TypeBasic
	}
	CopyHeaders(result.Header, resp.Header)
	return result, nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
