package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "richpush/pkg/logx"
)

const sampleYAML = `
http:
  addr: "127.0.0.1:9000"
augment:
  default_deadline: "2s"
fetch:
  max_bytes: 1048576
  rate_per_sec: 5
staging:
  root: "/tmp/rp"
telegram:
  token: ""
logging:
  level: debug
  console: true
reclaim:
  enabled: true
  schedule: "every:5m"
  ttl: "30m"
storage:
  driver: sqlite
  path: ./richpush.db
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9000" || cfg.Fetch.MaxBytes != 1048576 || cfg.Fetch.RatePerSec != 5 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.Reclaim == nil || cfg.Reclaim.TTL != "30m" {
		t.Fatalf("reclaim not decoded: %+v", cfg.Reclaim)
	}
	if cfg.Dispatch != nil {
		t.Fatalf("omitted dispatch should stay nil")
	}
	if got := cfg.DispatchOrDefault(); !got.Enabled || got.Sink != "log" {
		t.Fatalf("dispatch default: %+v", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cases := map[string]string{
		"config.json": `{"http":{"addr":":1","bogus":true}}`,
		"config.yaml": "fetch:\n  timeout: 1s\n  retries: 3\n",
	}
	for name, body := range cases {
		if _, err := Decode(name, []byte(body)); err == nil {
			t.Fatalf("%s: expected unknown field error", name)
		}
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad duration", cfg: Config{Augment: AugmentConfig{DefaultDeadline: "soon"}}, want: "augment.default_deadline"},
		{name: "negative duration", cfg: Config{Fetch: FetchConfig{Timeout: "-1s"}}, want: "fetch.timeout"},
		{name: "unknown sink", cfg: Config{Dispatch: &DispatchConfig{Sink: "pigeon"}}, want: "dispatch.sink"},
		{name: "telegram without token", cfg: Config{Dispatch: &DispatchConfig{Sink: "telegram"}}, want: "telegram.token"},
		{name: "storage without path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, want: "storage.path"},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "mysql", Path: "x"}}, want: "storage.driver"},
		{name: "reclaim without schedule", cfg: Config{Reclaim: &ReclaimConfig{Enabled: true}}, want: "reclaim.schedule"},
		{name: "gin mode", cfg: Config{HTTP: HTTPConfig{Mode: "turbo"}}, want: "http.mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 150ms ", time.Second)
	if err != nil || d != 150*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "abc"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "file", Path: "/secret/path"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}

	if changed, _, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "richpush.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	write(`{"logging":{"level":"debug"}}`)

	select {
	case got := <-ch:
		if got.Logging.Level != "debug" {
			t.Fatalf("level = %q", got.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}

	// Invalid content is never published.
	write(`{"logging":{"level":"debug"},"nope":1}`)
	select {
	case got := <-ch:
		t.Fatalf("invalid config published: %+v", got)
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed config changed after invalid write")
	}

	cancel()
	<-done
}

func TestTelegramTimeoutField(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte("telegram:\n  token: t\n  chat_id: 42\n  timeout: 7s\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Timeout != "7s" {
		t.Fatalf("timeout = %q", cfg.Telegram.Timeout)
	}
	if _, err := Decode("config.json", []byte(`{"telegram":{"poll_timeout":"7s"}}`)); err == nil {
		t.Fatalf("poll_timeout is no longer a telegram field")
	}
	cfg.Telegram.Timeout = "soon"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "telegram.timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeYAMLNonStringKey(t *testing.T) {
	_, err := Decode("config.yml", []byte("http:\n  1: x\n"))
	if err == nil || !strings.Contains(err.Error(), "http") {
		t.Fatalf("err = %v", err)
	}
	cfg, err := Decode("config.yml", []byte(""))
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: %v %v", cfg, err)
	}
}
