package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DELTA_REPORT_DATABASE_URL", "postgres://localhost/report")
	t.Setenv("DELTA_REPORT_BROKER_QUEUES", "4")
	t.Setenv("DELTA_REPORT_ANALYZER_TIMEOUT", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/report" || cfg.Listen != ":8080" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Broker.Kind != BrokerMemory || cfg.Broker.Queues != 4 {
		t.Fatalf("unexpected broker config %+v", cfg.Broker)
	}
	if cfg.Analyzer.Timeout != 5*time.Second || cfg.Analyzer.MaxFailures != 3 || cfg.Cluster.Workers != 4 {
		t.Fatalf("unexpected analyzer/cluster config %+v %+v", cfg.Analyzer, cfg.Cluster)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "reportd.yaml")
	content := []byte(`
database:
  url: postgres://file/report
broker:
  kind: pubsub
  pubsub:
    project: ci-project
    topic: reporting
    subscription: reporting-consumer
smtp:
  host: mail.example.org
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DELTA_REPORT_SMTP_HOST", "relay.example.org")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/report" || cfg.Broker.PubSubTopic != "reporting" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SMTP.Host != "relay.example.org" || cfg.SMTP.Port != 25 {
		t.Fatalf("expected env to override file, got %+v", cfg.SMTP)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"missing database", Config{Broker: BrokerConfig{Kind: BrokerMemory}}, false},
		{"memory", Config{DatabaseURL: "x", Broker: BrokerConfig{Kind: BrokerMemory}}, true},
		{"pubsub incomplete", Config{DatabaseURL: "x", Broker: BrokerConfig{Kind: BrokerPubSub, PubSubProject: "p"}}, false},
		{"unknown broker", Config{DatabaseURL: "x", Broker: BrokerConfig{Kind: "kafka"}}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: expected ok=%v, got %v", tc.name, tc.ok, err)
		}
	}
}
