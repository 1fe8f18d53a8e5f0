package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	MaxLenApprox    int64

	// Redelivery of pending (nacked or orphaned) entries
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
	// MaxDeliveries moves an entry to DeadLetter after this many deliveries.
	MaxDeliveries int
	DeadLetter    string
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xworld"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xworld",
		Consumer:      fmt.Sprintf("xworld-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		MaxDeliveries: 5,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("config: addr required")
	case c.Group == "":
		return fmt.Errorf("config: group required")
	case c.Consumer == "":
		return fmt.Errorf("config: consumer required")
	case c.Concurrency < 1:
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	case c.Block <= 0:
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	case c.ClaimMinIdle > 0 && c.ClaimInterval <= 0:
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	case c.MaxDeliveries < 0:
		return fmt.Errorf("config: max_deliveries must be >= 0, got %d", c.MaxDeliveries)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"max_deliveries":     c.MaxDeliveries,
		"dead_letter":        c.DeadLetter,
	}
}

// ConfigFromMap reads the generic factory config over Defaults. Durations
// may be given as time.Duration or as strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	num := func(k string, dst *int) {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
	}
	dur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	num("db", &c.DB)
	flag("tls", &c.TLS)
	str("tls_server_name", &c.TLSServerName, true)
	str("group", &c.Group, false)
	str("consumer", &c.Consumer, false)
	num("concurrency", &c.Concurrency)
	num("batch_size", &c.BatchSize)
	dur("block", &c.Block)
	flag("auto_create", &c.AutoCreate)
	flag("auto_delete_on_ack", &c.AutoDeleteOnAck)
	if v, ok := m["max_len_approx"].(int64); ok && v > 0 {
		c.MaxLenApprox = v
	}
	dur("claim_min_idle", &c.ClaimMinIdle)
	num("claim_batch", &c.ClaimBatch)
	dur("claim_interval", &c.ClaimInterval)
	num("max_deliveries", &c.MaxDeliveries)
	str("dead_letter", &c.DeadLetter, true)

	return c
}
