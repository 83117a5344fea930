package sched

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml.
type Config struct {
	// BaseQuantum is the number of ticks granted per weight unit; an entity's
	// full quantum is weight * BaseQuantum ticks.
	BaseQuantum int64 `yaml:"base_quantum"` // 10 (by default)

	// BalancePeriod is the distance, in tick events, between a balance pass
	// and the next_balance watermark it stamps on every runqueue.
	BalancePeriod int64 `yaml:"balance_period"` // 2000 (by default)

	// BalanceIntervalMS is the wall-clock period of the balancer worker.
	BalanceIntervalMS int `yaml:"balance_interval_ms"` // 2000 (by default)

	// TickMS is the tick clock period used by driving harnesses such as
	// cmd/wrrsched; the core itself only sees Tick calls.
	TickMS int `yaml:"tick_ms"` // 1 (by default)
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		BaseQuantum:       10,
		BalancePeriod:     2000,
		BalanceIntervalMS: 2000,
		TickMS:            1,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.BaseQuantum <= 0 {
		cfg.BaseQuantum = 10
	}
	if cfg.BalancePeriod <= 0 {
		cfg.BalancePeriod = 2000
	}
	if cfg.BalanceIntervalMS <= 0 {
		cfg.BalanceIntervalMS = 2000
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 1
	}

	return cfg
}
