package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/trip-cache/internal/cache"
	"github.com/any-hub/trip-cache/internal/fetch"
	"github.com/any-hub/trip-cache/internal/host"
)

func TestCachesListsGenerations(t *testing.T) {
	storage := seededStorage(t)
	reg := &fakeRegistration{snap: host.Snapshot{Active: "bcn-trip-v2", Clients: 2, Controlled: 1}}
	app := fiber.New()
	RegisterCacheRoutes(app, reg, storage)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Active      string `json:"active"`
		Clients     int    `json:"clients"`
		Generations []struct {
			Name    string `json:"name"`
			Entries int    `json:"entries"`
			Active  bool   `json:"active"`
		} `json:"generations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Active != "bcn-trip-v2" || payload.Clients != 2 {
		t.Fatalf("unexpected registration state: %+v", payload)
	}
	if len(payload.Generations) != 2 {
		t.Fatalf("expected 2 generations, got %+v", payload.Generations)
	}
	first, second := payload.Generations[0], payload.Generations[1]
	if first.Name != "bcn-trip-v1" || first.Active || first.Entries != 0 {
		t.Fatalf("unexpected first generation: %+v", first)
	}
	if second.Name != "bcn-trip-v2" || !second.Active || second.Entries != 2 {
		t.Fatalf("unexpected second generation: %+v", second)
	}
}

func TestCachesSkipsGenerationDeletedDuringListing(t *testing.T) {
	base := seededStorage(t)
	storage := &vanishingStorage{Storage: base, ghost: "bcn-trip-v0"}
	app := fiber.New()
	RegisterCacheRoutes(app, &fakeRegistration{}, storage)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/caches", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "bcn-trip-v0") {
		t.Fatalf("vanished generation should be skipped, got %s", body)
	}
	if ok, _ := base.Has(context.Background(), "bcn-trip-v0"); ok {
		t.Fatalf("listing must not recreate a deleted generation")
	}
}

func TestCacheDetail(t *testing.T) {
	storage := seededStorage(t)
	app := fiber.New()
	RegisterCacheRoutes(app, &fakeRegistration{}, storage)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/caches/bcn-trip-v2", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "https://bcn-trip.local/a.html") {
		t.Fatalf("expected entry list, got %s", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/-/caches/missing", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown generation, got %d", resp.StatusCode)
	}
	if ok, _ := storage.Has(context.Background(), "missing"); ok {
		t.Fatalf("detail lookup must not create the generation")
	}
}

func TestReleaseClient(t *testing.T) {
	reg := &fakeRegistration{}
	app := fiber.New()
	RegisterCacheRoutes(app, reg, seededStorage(t))

	resp, err := app.Test(httptest.NewRequest("DELETE", "/-/clients/page-1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if strings.Join(reg.released, ",") != "page-1" {
		t.Fatalf("expected page-1 released, got %v", reg.released)
	}
}

func seededStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(cache.DriverFS, t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	ctx := context.Background()
	if _, err := storage.Open(ctx, "bcn-trip-v1"); err != nil {
		t.Fatalf("open v1: %v", err)
	}
	v2, err := storage.Open(ctx, "bcn-trip-v2")
	if err != nil {
		t.Fatalf("open v2: %v", err)
	}
	for _, p := range []string{"/a.html", "/b.html"} {
		req, _ := http.NewRequest(http.MethodGet, "https://bcn-trip.local"+p, nil)
		resp := &fetch.Response{
			Status: http.StatusOK,
			Header: http.Header{},
			Body:   io.NopCloser(strings.NewReader(p)),
			Type:   fetch.TypeBasic,
		}
		if err := v2.Put(ctx, req, resp); err != nil {
			t.Fatalf("put %s: %v", p, err)
		}
	}
	return storage
}

// vanishingStorage 在 Keys 中多报一个已被删除的缓存代。
type vanishingStorage struct {
	cache.Storage
	ghost string
}

func (s *vanishingStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.Storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string{s.ghost}, names...), nil
}

type fakeRegistration struct {
	snap     host.Snapshot
	released []string
}

func (f *fakeRegistration) Snapshot() host.Snapshot { return f.snap }

func (f *fakeRegistration) Release(_ context.Context, id string) {
	f.released = append(f.released, id)
}
