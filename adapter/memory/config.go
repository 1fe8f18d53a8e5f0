package memory

import (
	"time"

	"github.com/trickstertwo/xworld"
)

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of workers per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the pause before a nacked message is requeued (default: 0).
	RedeliveryDelay time.Duration
	// MaxDeliveries drops a message after this many nacked attempts (default: 0 = never).
	MaxDeliveries int
	// AssignIDs fills empty message IDs (default: true via ConfigFromMap).
	AssignIDs bool
	// OnPoison observes messages dropped after MaxDeliveries.
	OnPoison func(*xworld.Message)
}

func (c Config) withDefaults() Config {
	if c.BufferSize < 1 {
		c.BufferSize = 1024
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxDeliveries < 0 {
		c.MaxDeliveries = 0
	}
	return c
}

// ConfigFromMap reads the generic factory config.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c := Config{
		BufferSize:      getInt("buffer_size", 1024),
		Concurrency:     getInt("concurrency", 1),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxDeliveries:   getInt("max_deliveries", 0),
		AssignIDs:       getBool("assign_ids", true),
	}
	if f, ok := cfg["on_poison"].(func(*xworld.Message)); ok {
		c.OnPoison = f
	}
	return c.withDefaults()
}

func (c Config) toMap() map[string]any {
	m := map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
		"assign_ids":       c.AssignIDs,
	}
	if c.OnPoison != nil {
		m["on_poison"] = c.OnPoison
	}
	return m
}
