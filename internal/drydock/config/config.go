// Package config loads drydock's configuration: an optional YAML file,
// checked against an embedded JSON schema, with DRYDOCK_* environment
// variables layered on top.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/drydock/common/environment"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRYDOCK_"

//go:embed schema.json
var schemaJSON string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("drydock.schema.json", schemaJSON)
})

// Config is the full process configuration.
type Config struct {
	DatabasePath string  `yaml:"database_path"`
	HTTPAddr     string  `yaml:"http_addr"`
	LogLevel     string  `yaml:"log_level"`
	LogFormat    string  `yaml:"log_format"`
	Strict       bool    `yaml:"strict"`
	Docker       Docker  `yaml:"docker"`
	Builder      Builder `yaml:"builder"`
	DNS          DNS     `yaml:"dns"`
	Locks        Locks   `yaml:"locks"`
	Matrix       Matrix  `yaml:"matrix"`
}

// Docker lists the daemons and how to reach them.
type Docker struct {
	Hosts       []string      `yaml:"hosts"`
	DefaultHost string        `yaml:"default_host"`
	Timeout     time.Duration `yaml:"timeout"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// Network is the network mode of user containers.
	Network string `yaml:"network"`
	TLSCA   string `yaml:"tls_ca"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Builder describes the image builder container.
type Builder struct {
	Image           string `yaml:"image"`
	Tag             string `yaml:"tag"`
	Registry        string `yaml:"registry"`
	SocketPath      string `yaml:"socket_path"`
	CacheDir        string `yaml:"cache_dir"`
	LayerCacheDir   string `yaml:"layer_cache_dir"`
	FilesBucket     string `yaml:"files_bucket"`
	KeysBucket      string `yaml:"keys_bucket"`
	AWSAccessKey    string `yaml:"aws_access_key"`
	AWSSecretKey    string `yaml:"aws_secret_key"`
	WaitForNetwork  string `yaml:"wait_for_network"`
	Network         string `yaml:"network"`
	Memory          int64  `yaml:"memory"`
	PushImage       bool   `yaml:"push_image"`
	RecoverAttempts int    `yaml:"recover_attempts"`
}

// DNS holds resolver lists for user containers.
type DNS struct {
	Default []string            `yaml:"default"`
	Shared  []string            `yaml:"shared"`
	Tenants map[string][]string `yaml:"tenants"`
}

// Locks tunes the intent lock store.
type Locks struct {
	StopIntentTTL time.Duration `yaml:"stop_intent_ttl"`
	EventTTL      time.Duration `yaml:"event_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Matrix configures the audit room. Notices are off when RoomID is empty.
type Matrix struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// Enabled reports whether audit notices go to Matrix.
func (m Matrix) Enabled() bool {
	return m.Homeserver != "" && m.AccessToken != "" && m.RoomID != ""
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		DatabasePath: "drydock.db",
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		Docker: Docker{
			Timeout:     30 * time.Second,
			StopTimeout: 10 * time.Second,
		},
		Builder: Builder{
			Tag:             "latest",
			SocketPath:      "/var/run/docker.sock",
			RecoverAttempts: 5,
		},
		Locks: Locks{
			StopIntentTTL: 2 * time.Minute,
			EventTTL:      10 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and env, in that order.
func Load(path string, env environment.Source) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates a YAML document against the schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	if err := validateSchema(raw); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// validateSchema round-trips doc through JSON so the validator sees plain
// JSON values.
func validateSchema(doc any) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid config: %s", leafMessage(verr))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// leafMessage returns the innermost cause with its document location.
func leafMessage(e *jsonschema.ValidationError) string {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	loc := e.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + e.Message
}

// ApplyEnv overrides cfg with DRYDOCK_* variables from env.
func (c *Config) ApplyEnv(env environment.Source) {
	c.DatabasePath = env.String("DATABASE_PATH", c.DatabasePath)
	c.HTTPAddr = env.String("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = env.String("LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.String("LOG_FORMAT", c.LogFormat)
	c.Strict = env.Bool("STRICT", c.Strict)

	d := &c.Docker
	d.Hosts = env.List("DOCKER_HOSTS", d.Hosts)
	d.DefaultHost = env.String("DOCKER_DEFAULT_HOST", d.DefaultHost)
	d.Timeout = env.Duration("DOCKER_TIMEOUT", d.Timeout)
	d.StopTimeout = env.Duration("DOCKER_STOP_TIMEOUT", d.StopTimeout)
	d.Network = env.String("DOCKER_NETWORK", d.Network)
	d.TLSCA = env.String("DOCKER_TLS_CA", d.TLSCA)
	d.TLSCert = env.String("DOCKER_TLS_CERT", d.TLSCert)
	d.TLSKey = env.String("DOCKER_TLS_KEY", d.TLSKey)

	b := &c.Builder
	b.Image = env.String("BUILDER_IMAGE", b.Image)
	b.Tag = env.String("BUILDER_TAG", b.Tag)
	b.Registry = env.String("BUILDER_REGISTRY", b.Registry)
	b.SocketPath = env.String("BUILDER_SOCKET_PATH", b.SocketPath)
	b.CacheDir = env.String("BUILDER_CACHE_DIR", b.CacheDir)
	b.LayerCacheDir = env.String("BUILDER_LAYER_CACHE_DIR", b.LayerCacheDir)
	b.FilesBucket = env.String("BUILDER_FILES_BUCKET", b.FilesBucket)
	b.KeysBucket = env.String("BUILDER_KEYS_BUCKET", b.KeysBucket)
	b.AWSAccessKey = env.String("BUILDER_AWS_ACCESS_KEY", b.AWSAccessKey)
	b.AWSSecretKey = env.String("BUILDER_AWS_SECRET_KEY", b.AWSSecretKey)
	b.WaitForNetwork = env.String("BUILDER_WAIT_FOR_NETWORK", b.WaitForNetwork)
	b.Network = env.String("BUILDER_NETWORK", b.Network)
	b.Memory = env.Int64("BUILDER_MEMORY", b.Memory)
	b.PushImage = env.Bool("BUILDER_PUSH_IMAGE", b.PushImage)
	b.RecoverAttempts = env.Int("BUILDER_RECOVER_ATTEMPTS", b.RecoverAttempts)

	c.DNS.Default = env.List("DNS_DEFAULT", c.DNS.Default)
	c.DNS.Shared = env.List("DNS_SHARED", c.DNS.Shared)
	c.DNS.Tenants = env.Map("DNS_TENANTS", c.DNS.Tenants)

	c.Locks.StopIntentTTL = env.Duration("LOCKS_STOP_INTENT_TTL", c.Locks.StopIntentTTL)
	c.Locks.EventTTL = env.Duration("LOCKS_EVENT_TTL", c.Locks.EventTTL)
	c.Locks.SweepInterval = env.Duration("LOCKS_SWEEP_INTERVAL", c.Locks.SweepInterval)

	c.Matrix.Homeserver = env.String("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = env.String("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = env.String("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.RoomID = env.String("MATRIX_ROOM_ID", c.Matrix.RoomID)
}

// Validate checks the values that must hold after all layers are applied.
// The default host falls back to the first configured host.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Docker.Hosts) == 0 {
		errs = append(errs, errors.New("docker.hosts must list at least one daemon"))
	}
	if c.Docker.DefaultHost == "" && len(c.Docker.Hosts) > 0 {
		c.Docker.DefaultHost = c.Docker.Hosts[0]
	}
	if strings.TrimSpace(c.Builder.Image) == "" {
		errs = append(errs, errors.New("builder.image must be set"))
	}
	if c.Docker.Timeout <= 0 {
		errs = append(errs, errors.New("docker.timeout must be positive"))
	}
	if c.Locks.EventTTL < c.Locks.StopIntentTTL {
		errs = append(errs, errors.New("locks.event_ttl must not be shorter than locks.stop_intent_ttl"))
	}
	if c.Matrix.RoomID != "" && (c.Matrix.Homeserver == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("matrix.room_id requires matrix.homeserver and matrix.access_token"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
