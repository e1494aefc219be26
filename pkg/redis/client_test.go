package redis

import (
	"testing"

	"github.com/hyacinthwatch/backend/pkg/config"
)

func TestOptionsFromConfigRequiresEndpoint(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestOptionsFromConfigParsesURL(t *testing.T) {
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://:pw@redis.internal:6380/2"})
	if err != nil {
		t.Fatalf("optionsFromConfig: %v", err)
	}
	if opts.Addr != "redis.internal:6380" {
		t.Fatalf("addr = %s", opts.Addr)
	}
	if opts.DB != 2 {
		t.Fatalf("db = %d", opts.DB)
	}
	if opts.Password != "pw" {
		t.Fatalf("password = %s", opts.Password)
	}
}

func TestOptionsFromConfigAppliesFallbacks(t *testing.T) {
	cfg := config.RedisConfig{Address: "localhost:6379", PoolSize: 7, MinIdleConns: 3}
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("optionsFromConfig: %v", err)
	}
	if opts.PoolSize != 7 {
		t.Fatalf("pool size = %d", opts.PoolSize)
	}
	if opts.MinIdleConns != 3 {
		t.Fatalf("min idle = %d", opts.MinIdleConns)
	}
}

func TestLockKeyNamespacing(t *testing.T) {
	c := &Client{}
	if got := c.LockKey("orphan-sweep"); got != "hw:lock:orphan-sweep" {
		t.Fatalf("LockKey = %s", got)
	}
	if got := c.LockKey(" padded "); got != "hw:lock:padded" {
		t.Fatalf("LockKey = %s", got)
	}
}
