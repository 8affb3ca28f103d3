package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":      {},
	"leveldb": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a *AgentConfig) validate() error {
	if strings.TrimSpace(a.Origin) == "" {
		return newFieldError(agentField("Origin"), "不能为空")
	}
	origin, err := validateHTTPURL(a.Origin)
	if err != nil {
		return fmt.Errorf("%s: %w", agentField("Origin"), err)
	}
	if origin.Path != "" && origin.Path != "/" {
		return newFieldError(agentField("Origin"), "不应包含路径，请使用 Scope")
	}

	if a.Upstream != "" {
		if _, err := validateHTTPURL(a.Upstream); err != nil {
			return fmt.Errorf("%s: %w", agentField("Upstream"), err)
		}
	}

	if a.Scope != "" {
		scope, err := validateHTTPURL(a.Scope)
		if err != nil {
			return fmt.Errorf("%s: %w", agentField("Scope"), err)
		}
		if !strings.EqualFold(scope.Scheme, origin.Scheme) || !strings.EqualFold(scope.Host, origin.Host) {
			return newFieldError(agentField("Scope"), "必须与 Origin 同源")
		}
	}

	if a.CacheName == "" {
		return newFieldError(agentField("CacheName"), "不能为空")
	}
	if a.CacheName == "." || a.CacheName == ".." {
		return newFieldError(agentField("CacheName"), "非法名称")
	}

	for i, asset := range a.StaticAssets {
		trimmed := strings.TrimSpace(asset)
		if trimmed == "" {
			return newFieldError(fmt.Sprintf("%s[%d]", agentField("StaticAssets"), i), "不能为空")
		}
		if _, err := url.Parse(trimmed); err != nil {
			return fmt.Errorf("%s[%d]: %w", agentField("StaticAssets"), i, err)
		}
		a.StaticAssets[i] = trimmed
	}
	return nil
}

func validateHTTPURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("缺少 Host: %s", raw)
	}
	return parsed, nil
}
