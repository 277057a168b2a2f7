package store

import (
	"context"
	"testing"
	"time"
)

func TestNewRedisAppliesConfig(t *testing.T) {
	r := NewRedis(RedisConfig{
		Addr:     "localhost:6380",
		Password: "sekret",
		DB:       3,
	})

	opts := r.Client.Options()
	if opts.Addr != "localhost:6380" {
		t.Errorf("addr = %s, want localhost:6380", opts.Addr)
	}
	if opts.Password != "sekret" {
		t.Errorf("password not applied")
	}
	if opts.DB != 3 {
		t.Errorf("db = %d, want 3", opts.DB)
	}
	if opts.DialTimeout != 2*time.Second {
		t.Errorf("dial timeout = %s, want the 2s default", opts.DialTimeout)
	}
}

func TestHealthyNilReceiver(t *testing.T) {
	var r *Redis
	if r.Healthy(context.Background()) {
		t.Error("nil wrapper reported healthy")
	}
}
