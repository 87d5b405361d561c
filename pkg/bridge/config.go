// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"os"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PuppetIdentity holds the Matrix credentials of the puppeted user. Either
// a long-lived access token or a password must be present.
type PuppetIdentity struct {
	Localpart string `yaml:"localpart"`
	Token     string `yaml:"token"`
	Password  string `yaml:"password"`
}

// IdentityPair binds one puppeted Matrix identity to one third-party
// account. Pairs are created from configuration at startup and are
// immutable for the process lifetime.
type IdentityPair struct {
	// ID distinguishes this pair from others on the homeserver; it is
	// embedded in ghost user IDs and room aliases.
	ID string `yaml:"id"`

	MatrixPuppet PuppetIdentity `yaml:"matrix_puppet"`

	// ThirdParty is opaque credential data handed to the adapter factory.
	ThirdParty map[string]any `yaml:"third_party"`
}

// Config is the bridge configuration. Defaults are resolved by
// PostProcess; caller-supplied values are never mutated elsewhere.
type Config struct {
	// ServiceName is a friendly protocol name used in room names and
	// topics, e.g. "Facebook Direct Message".
	ServiceName string `yaml:"service_name"`
	// ServicePrefix is the short string put before ghost localparts and
	// room alias localparts, e.g. "facebook".
	ServicePrefix string `yaml:"service_prefix"`

	HomeserverURL    string `yaml:"homeserver_url"`
	HomeserverDomain string `yaml:"homeserver_domain"`
	Port             int    `yaml:"port"`
	RegistrationPath string `yaml:"registration_path"`

	// StatusRoomPostfix replaces the third-party room ID in the status
	// room alias. It must be unlikely to clash with a real room ID.
	StatusRoomPostfix string `yaml:"status_room_postfix"`

	DeduplicationTag        string `yaml:"deduplication_tag"`
	DeduplicationTagPattern string `yaml:"deduplication_tag_pattern"`

	// DisplaynameTemplate renders ghost display names; "{{.Name}}" is the
	// third-party name. Empty means the name is used verbatim.
	DisplaynameTemplate string `yaml:"displayname_template"`

	// UserStorePath is the SQLite file backing the remote identity cache.
	UserStorePath string `yaml:"user_store_path"`

	// AttachmentMaxBytes caps inbound attachment fetches. Larger payloads
	// degrade to a text fallback carrying the original reference.
	AttachmentMaxBytes int64 `yaml:"attachment_max_bytes"`

	SendRetryCount int      `yaml:"send_retry_count"`
	SendRetryDelay Duration `yaml:"send_retry_delay"`
	// CallTimeout bounds every individual homeserver or adapter call.
	CallTimeout Duration `yaml:"call_timeout"`

	IdentityPairs []IdentityPair `yaml:"identity_pairs"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// LoadConfig reads and post-processes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates required fields and resolves defaults.
func (c *Config) PostProcess() error {
	if c.ServicePrefix == "" {
		return fmt.Errorf("service_prefix is required")
	}
	if c.HomeserverDomain == "" {
		return fmt.Errorf("homeserver_domain is required")
	}
	if c.ServiceName == "" {
		c.ServiceName = c.ServicePrefix
	}
	if c.StatusRoomPostfix == "" {
		c.StatusRoomPostfix = "puppetStatusRoom"
	}
	if c.RegistrationPath == "" {
		c.RegistrationPath = "registration.yaml"
	}
	if c.AttachmentMaxBytes <= 0 {
		c.AttachmentMaxBytes = 100 * 1024 * 1024
	}
	if c.SendRetryCount <= 0 {
		c.SendRetryCount = 3
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = Duration(2 * time.Second)
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = Duration(30 * time.Second)
	}
	if c.DisplaynameTemplate != "" {
		tpl, err := template.New("displayname").Parse(c.DisplaynameTemplate)
		if err != nil {
			return fmt.Errorf("invalid displayname_template: %w", err)
		}
		c.displaynameTemplate = tpl
	}
	seen := make(map[string]struct{}, len(c.IdentityPairs))
	for _, pair := range c.IdentityPairs {
		if pair.ID == "" {
			return fmt.Errorf("identity pair with empty id")
		}
		if _, dup := seen[pair.ID]; dup {
			return fmt.Errorf("duplicate identity pair id %q", pair.ID)
		}
		seen[pair.ID] = struct{}{}
		if pair.MatrixPuppet.Localpart == "" {
			return fmt.Errorf("identity pair %q: matrix_puppet.localpart is required", pair.ID)
		}
		if pair.MatrixPuppet.Token == "" && pair.MatrixPuppet.Password == "" {
			return fmt.Errorf("identity pair %q: matrix puppet needs a token or password", pair.ID)
		}
	}
	return nil
}

// PairPrefix returns the full service prefix for one identity pair:
// {servicePrefix}_{pairID}.
func (c *Config) PairPrefix(pair IdentityPair) string {
	return c.ServicePrefix + "_" + pair.ID
}

// FormatDisplayname renders a ghost display name from the template.
func (c *Config) FormatDisplayname(name string) string {
	if c.displaynameTemplate == nil {
		return name
	}
	var buf []byte
	err := c.displaynameTemplate.Execute((*templateBuffer)(&buf), struct{ Name string }{name})
	if err != nil {
		return name
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
