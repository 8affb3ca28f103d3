package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterForwardsRequestsToProxy(t *testing.T) {
	app, recorder := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://bcn-trip.local/index.html", nil)
	req.Host = "bcn-trip.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.lastPath != "/index.html" {
		t.Fatalf("expected proxy to see /index.html, got %s", recorder.lastPath)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if recorder.lastRequestID != reqID {
		t.Fatalf("proxy should observe the same request id, got %s want %s", recorder.lastRequestID, reqID)
	}
}

func TestRouterDiagnosticsBypassProxy(t *testing.T) {
	app, recorder := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://bcn-trip.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %d %s", resp.StatusCode, string(body))
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics must not reach the proxy")
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	proxy := ProxyHandlerFunc(func(c fiber.Ctx) error { return nil })

	testCases := []struct {
		name string
		opts AppOptions
	}{
		{"missing logger", AppOptions{Proxy: proxy, ListenPort: 5000}},
		{"missing proxy", AppOptions{Logger: logger, ListenPort: 5000}},
		{"bad port", AppOptions{Logger: logger, Proxy: proxy}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewApp(tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func newTestApp(t *testing.T, port int) (*fiber.App, *proxyRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = c.Path()
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
