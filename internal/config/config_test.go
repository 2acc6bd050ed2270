package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newTestViper() *viper.Viper {
	v := NewViper()
	v.Set("auth.signing_secret", "test-secret")
	v.Set("push.provider_url", "https://push.example.com/send")
	return v
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newTestViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.MonitorInterval != 5*time.Minute {
		t.Fatalf("unexpected monitor interval: %v", cfg.MonitorInterval)
	}
	if cfg.BatchInterval != 15*time.Minute {
		t.Fatalf("unexpected batch interval: %v", cfg.BatchInterval)
	}
	if cfg.HourlyQuota != 5 || cfg.DailyQuota != 20 {
		t.Fatalf("unexpected quotas: %d/%d", cfg.HourlyQuota, cfg.DailyQuota)
	}
	if cfg.PushDedupWindow != time.Hour || cfg.HistoryWindow != 24*time.Hour {
		t.Fatalf("unexpected windows: %v/%v", cfg.PushDedupWindow, cfg.HistoryWindow)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected empty redis address by default, got %q", cfg.RedisAddress)
	}
}

func TestLoadRejectsMissingSigningSecret(t *testing.T) {
	v := NewViper()
	if _, err := Load(v); err == nil {
		t.Fatal("expected error for missing signing secret")
	} else if !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{name: "zero monitor interval", key: "monitor.interval", value: 0, wantErr: "monitor.interval"},
		{name: "zero workers", key: "monitor.workers", value: 0, wantErr: "monitor.workers"},
		{name: "zero batch interval", key: "notify.batch_interval", value: 0, wantErr: "batch_interval"},
		{name: "zero hourly quota", key: "notify.hourly_quota", value: 0, wantErr: "quotas"},
		{name: "push window longer than history window", key: "notify.push_dedup_window", value: 48 * time.Hour, wantErr: "shorter than"},
		{name: "push timeout longer than tick", key: "push.timeout", value: 10 * time.Minute, wantErr: "push.timeout"},
		{name: "missing weather url", key: "weather.base_url", value: "", wantErr: "weather.base_url"},
		{name: "missing push provider url", key: "push.provider_url", value: "", wantErr: "push.provider_url"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestViper()
			v.Set(tc.key, tc.value)
			_, err := Load(v)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	v := newTestViper()
	v.Set("monitor.interval", 2*time.Minute)
	v.Set("push.timeout", 5*time.Second)
	v.Set("redis.address", "localhost:6379")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MonitorInterval != 2*time.Minute {
		t.Fatalf("unexpected interval: %v", cfg.MonitorInterval)
	}
	if cfg.RedisAddress != "localhost:6379" {
		t.Fatalf("unexpected redis address: %q", cfg.RedisAddress)
	}
}
