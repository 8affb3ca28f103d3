package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest 是 YAML 资源清单：
//
//	assets:
//	  - index.html
//	  - icons/icon-144.png
type Manifest struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest 读取资源清单，空条目会被拒绝。
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资源清单失败: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("解析资源清单失败: %w", err)
	}
	if len(m.Assets) == 0 {
		return nil, errors.New("资源清单为空")
	}
	for i, asset := range m.Assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return nil, fmt.Errorf("资源清单第 %d 项为空", i+1)
		}
		m.Assets[i] = asset
	}
	return &m, nil
}
