package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/host"
	"github.com/any-hub/trip-cache/internal/logging"
	"github.com/any-hub/trip-cache/internal/server"
)

// ClientCookie 保存页面实例的客户端 ID。
const ClientCookie = "trip_client"

// Dispatcher 是 Handler 依赖的宿主能力，host.Registration 实现了它。
type Dispatcher interface {
	Client(id string) bool
	Dispatch(ctx context.Context, clientID string, req *http.Request) (host.Result, error)
}

// Handler 把 Fiber 请求转换为 fetch 事件交给宿主派发，再把结果写回客户端。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	logger     *logrus.Logger
}

// NewHandler 构造代理入口，origin 是受控页面的源，用于还原目标 URL 的 scheme 与日志中的同源判断。
func NewHandler(dispatcher Dispatcher, origin *url.URL, logger *logrus.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		origin:     origin,
		logger:     logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	target, err := h.targetURL(c)
	if err != nil {
		h.logResult(c.Method(), c.OriginalURL(), requestID, host.Result{}, 0, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_target"})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := buildRequest(ctx, c, target)
	if err != nil {
		h.logResult(c.Method(), target.String(), requestID, host.Result{}, 0, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	clientID := h.clientID(c)
	h.dispatcher.Client(clientID)

	result, err := h.dispatcher.Dispatch(ctx, clientID, req)
	resp := result.Response
	if err == nil && (resp == nil || resp.Type == fetch.TypeError) {
		err = errors.New("network error response")
	}
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		h.logResult(req.Method, target.String(), requestID, result, 0, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_failed"})
	}
	defer resp.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Trip-Cache-Hit", boolHeader(resp.Cached))
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	if req.Method == http.MethodHead {
		h.logResult(req.Method, target.String(), requestID, result, resp.Status, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req.Method, target.String(), requestID, result, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// targetURL 还原被拦截请求的绝对地址：优先使用 absolute-form 请求行，
// 否则由 scheme + Host + path + query 拼出。
func (h *Handler) targetURL(c fiber.Ctx) (*url.URL, error) {
	raw := c.OriginalURL()
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return url.Parse(raw)
	}

	hostname := strings.TrimSpace(string(c.Request().Header.Host()))
	if hostname == "" {
		return nil, errors.New("missing host header")
	}
	scheme := "http"
	if h.origin != nil && strings.EqualFold(hostname, h.origin.Host) {
		scheme = h.origin.Scheme
	}
	if proto := strings.ToLower(c.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
		scheme = proto
	}
	if raw == "" {
		raw = "/"
	}
	return url.Parse(scheme + "://" + hostname + raw)
}

func (h *Handler) clientID(c fiber.Ctx) string {
	if id := strings.TrimSpace(c.Cookies(ClientCookie)); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func buildRequest(ctx context.Context, c fiber.Ctx, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if payload := c.Body(); len(payload) > 0 {
		body = bytes.NewReader(append([]byte(nil), payload...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if fetch.IsHopByHopHeader(name) || strings.EqualFold(name, fiber.HeaderHost) {
			return
		}
		req.Header.Add(name, string(value))
	})
	return req, nil
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func boolHeader(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (h *Handler) logResult(method, target, requestID string, result host.Result, status int, started time.Time, err error) {
	sameOrigin := false
	if u, parseErr := url.Parse(target); parseErr == nil && h.origin != nil {
		sameOrigin = fetch.SameOrigin(u, h.origin)
	}
	cacheHit := result.Response != nil && result.Response.Cached

	fields := logging.RequestFields(method, target, result.Version, sameOrigin, cacheHit)
	fields["action"] = "proxy"
	fields["controlled"] = result.Controlled
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
