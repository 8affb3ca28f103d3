package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// AgentConfig 描述缓存代理的版本与受控页面。
type AgentConfig struct {
	// Origin 是浏览器看到的页面源，例如 https://bcn-trip.local。
	Origin string `mapstructure:"Origin"`
	// Upstream 是托管静态资源的真实地址，为空时直接访问 Origin。
	Upstream string `mapstructure:"Upstream"`
	// Scope 是资源路径解析的基准 URL，默认 Origin + "/"。
	Scope        string   `mapstructure:"Scope"`
	CacheName    string   `mapstructure:"CacheName"`
	StaticAssets []string `mapstructure:"StaticAssets"`
	// AssetManifest 指向 YAML 资源清单，仅在 StaticAssets 为空时使用。
	AssetManifest string `mapstructure:"AssetManifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// OriginURL 返回解析后的页面源。
func (a AgentConfig) OriginURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(a.Origin))
}

// UpstreamURL 返回回源地址，未配置时返回 nil。
func (a AgentConfig) UpstreamURL() (*url.URL, error) {
	raw := strings.TrimSpace(a.Upstream)
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// ScopeURL 返回资源解析基准，未配置时退回 Origin 根路径。
func (a AgentConfig) ScopeURL() (*url.URL, error) {
	raw := strings.TrimSpace(a.Scope)
	if raw == "" {
		origin, err := a.OriginURL()
		if err != nil {
			return nil, err
		}
		return origin.ResolveReference(&url.URL{Path: "/"}), nil
	}
	return url.Parse(raw)
}

