package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/drydock/common/environment"
	"github.com/bdobrica/drydock/internal/drydock/config"
)

// mapEnv serves variables from a map instead of the process environment.
func mapEnv(vars map[string]string) environment.Source {
	return environment.Source{
		Prefix: config.EnvPrefix,
		Lookup: func(name string) (string, bool) {
			v, ok := vars[name]
			return v, ok
		},
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drydock.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sample = `
database_path: /var/lib/drydock/drydock.db
log_format: json
docker:
  hosts: ["10.0.0.5:4242", "10.0.0.6"]
  timeout: 45s
builder:
  image: registry.example.com/image-builder
  tag: v4.2.0
  layer_cache_dir: /git-cache
  push_image: true
dns:
  default: [10.0.0.2]
  tenants:
    "1234": [10.9.9.9, 10.9.9.8]
locks:
  stop_intent_ttl: 90s
`

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := config.Load(writeFile(t, sample), mapEnv(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath != "/var/lib/drydock/drydock.db" || cfg.LogFormat != "json" {
		t.Errorf("top level = %q %q", cfg.DatabasePath, cfg.LogFormat)
	}
	if cfg.LogLevel != "info" || cfg.HTTPAddr != ":8080" {
		t.Errorf("defaults lost: level=%q addr=%q", cfg.LogLevel, cfg.HTTPAddr)
	}
	if cfg.Docker.Timeout != 45*time.Second || cfg.Docker.StopTimeout != 10*time.Second {
		t.Errorf("docker timeouts = %v %v", cfg.Docker.Timeout, cfg.Docker.StopTimeout)
	}
	if cfg.Docker.DefaultHost != "10.0.0.5:4242" {
		t.Errorf("DefaultHost = %q, want first host", cfg.Docker.DefaultHost)
	}
	if !cfg.Builder.PushImage || cfg.Builder.Tag != "v4.2.0" || cfg.Builder.SocketPath != "/var/run/docker.sock" {
		t.Errorf("builder = %+v", cfg.Builder)
	}
	if got := cfg.DNS.Tenants["1234"]; !reflect.DeepEqual(got, []string{"10.9.9.9", "10.9.9.8"}) {
		t.Errorf("tenant resolvers = %v", got)
	}
	if cfg.Locks.StopIntentTTL != 90*time.Second || cfg.Locks.EventTTL != 10*time.Minute {
		t.Errorf("locks = %+v", cfg.Locks)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	env := mapEnv(map[string]string{
		"DRYDOCK_DOCKER_HOSTS":        "h1:4242, h2:4242",
		"DRYDOCK_DOCKER_TIMEOUT":      "5s",
		"DRYDOCK_BUILDER_PUSH_IMAGE":  "false",
		"DRYDOCK_DNS_TENANTS":         "42=1.1.1.1|8.8.8.8",
		"DRYDOCK_MATRIX_HOMESERVER":   "https://matrix.example.com",
		"DRYDOCK_MATRIX_ACCESS_TOKEN": "secret",
		"DRYDOCK_MATRIX_ROOM_ID":      "!ops:example.com",
	})
	cfg, err := config.Load(writeFile(t, sample), env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Docker.Hosts, []string{"h1:4242", "h2:4242"}) {
		t.Errorf("Hosts = %v", cfg.Docker.Hosts)
	}
	if cfg.Docker.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Docker.Timeout)
	}
	if cfg.Builder.PushImage {
		t.Error("PushImage should be overridden to false")
	}
	if got := cfg.DNS.Tenants["42"]; !reflect.DeepEqual(got, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Errorf("tenants = %v", cfg.DNS.Tenants)
	}
	if !cfg.Matrix.Enabled() {
		t.Error("matrix should be enabled")
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := config.Load("", mapEnv(map[string]string{
		"DRYDOCK_DOCKER_HOSTS":  "localhost",
		"DRYDOCK_BUILDER_IMAGE": "builder",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Docker.DefaultHost != "localhost" {
		t.Errorf("DefaultHost = %q", cfg.Docker.DefaultHost)
	}
	if cfg.Matrix.Enabled() {
		t.Error("matrix enabled without settings")
	}
}

func TestParse_SchemaRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "dockr:\n  hosts: [a]\n", "dockr"},
		{"bad duration", "docker:\n  timeout: soon\n", "/docker/timeout"},
		{"empty host list", "docker:\n  hosts: []\n", "/docker/hosts"},
		{"bad log level", "log_level: loud\n", "/log_level"},
		{"negative memory", "builder:\n  memory: -1\n", "/builder/memory"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := config.Parse([]byte(tc.yaml), config.Default())
			if err == nil {
				t.Fatal("expected schema error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg := config.Default()
	if err := config.Parse([]byte("\n"), cfg); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Errorf("config changed: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing hosts and builder image")
	}
	for _, want := range []string{"docker.hosts", "builder.image"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg = config.Default()
	cfg.Docker.Hosts = []string{"h"}
	cfg.Builder.Image = "b"
	cfg.Locks.EventTTL = time.Second
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "event_ttl") {
		t.Errorf("err = %v, want event_ttl complaint", err)
	}

	cfg = config.Default()
	cfg.Docker.Hosts = []string{"h"}
	cfg.Builder.Image = "b"
	cfg.Matrix.RoomID = "!r:x"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "matrix") {
		t.Errorf("err = %v, want matrix complaint", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), mapEnv(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}
