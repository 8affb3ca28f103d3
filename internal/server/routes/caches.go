package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/trip-cache/internal/cache"
	"github.com/any-hub/trip-cache/internal/host"
)

// Registration 是诊断接口需要的注册能力。
type Registration interface {
	Snapshot() host.Snapshot
	Release(ctx context.Context, id string)
}

type generationPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Active  bool   `json:"active"`
}

type cachesPayload struct {
	host.Snapshot
	Generations []generationPayload `json:"generations"`
}

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，查询缓存代与注册状态；
// DELETE /-/clients/:id 用于页面关闭时注销客户端。
func RegisterCacheRoutes(app *fiber.App, registration Registration, storage cache.Storage) {
	if app == nil || registration == nil || storage == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		snap := registration.Snapshot()
		gens, err := listGenerations(c.Context(), storage, snap.Active)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(cachesPayload{Snapshot: snap, Generations: gens})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		ctx := c.Context()
		gen, exists, err := storage.Lookup(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		if keys == nil {
			keys = []string{}
		}
		return c.JSON(fiber.Map{
			"name":    name,
			"active":  name == registration.Snapshot().Active,
			"entries": keys,
		})
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client_id_required"})
		}
		registration.Release(c.Context(), id)
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func listGenerations(ctx context.Context, storage cache.Storage, active string) ([]generationPayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]generationPayload, 0, len(names))
	for _, name := range names {
		// 枚举与读取之间缓存代可能被 activate 删除，此时跳过而不是重建。
		gen, ok, err := storage.Lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, generationPayload{
			Name:    name,
			Entries: len(keys),
			Active:  name == active,
		})
	}
	return result, nil
}
