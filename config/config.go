package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/robofleet/tower/core/dispatch"
	"github.com/robofleet/tower/core/metrics"
	"github.com/robofleet/tower/core/scheduler"
	"github.com/robofleet/tower/core/supervisor"
	"github.com/robofleet/tower/infra/mqtt"
)

type Config struct {
	Site       string            `json:"site"`
	MQTT       mqtt.Config       `json:"mqtt"`
	Scheduler  scheduler.Config  `json:"scheduler"`
	Supervisor supervisor.Config `json:"supervisor"`
	Dispatch   dispatch.Config   `json:"dispatch"`
	Metrics    metrics.Config    `json:"metrics"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("TOWER_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "tower_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	if cfg.Site == "" {
		return nil, fmt.Errorf("site is required")
	}
	cfg.Scheduler.SetDefaults()
	cfg.Supervisor.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Supervisor.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
