package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cutline/internal/settlement"
)

// Config models cutline.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Settlement SettlementConfig `yaml:"settlement"`
	RBAC       struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Scheduler struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"scheduler"`
	Payout struct {
		Webhook WebhookConfig `yaml:"webhook"`
	} `yaml:"payout"`
	Metrics struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"metrics"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

type SettlementConfig struct {
	Timezone        string           `yaml:"timezone"`
	BaseRate        string           `yaml:"base_rate"`
	ViewTiers       []ViewTier       `yaml:"view_tiers"`
	ConversionTiers []ConversionTier `yaml:"conversion_tiers"`
	SpecialBonuses  map[string]int64 `yaml:"special_bonuses"`
}

type ViewTier struct {
	Threshold int64 `yaml:"threshold"`
	Bonus     int64 `yaml:"bonus"`
}

type ConversionTier struct {
	// Threshold is a fraction, e.g. "0.05" for 5%.
	Threshold string `yaml:"threshold"`
	Bonus     int64  `yaml:"bonus"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if _, err := c.Settlement.Location(); err != nil {
		return err
	}
	if _, err := c.SettlementRules(); err != nil {
		return err
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["operator"]; !ok {
		return fmt.Errorf("config.rbac.roles must include operator")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive when the scheduler is enabled")
	}
	if c.Payout.Webhook.URL != "" && c.Payout.Webhook.Secret == "" {
		return fmt.Errorf("config.payout.webhook.secret is required when a webhook url is set")
	}
	return nil
}

// Location resolves the timezone settlement dates are computed in.
func (s SettlementConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.settlement.timezone: %w", err)
	}
	return loc, nil
}

// SettlementRules converts the settlement section into the rule set used by the batches.
func (c *Config) SettlementRules() (settlement.Rules, error) {
	s := c.Settlement
	rate, err := decimal.NewFromString(strings.TrimSpace(s.BaseRate))
	if err != nil {
		return settlement.Rules{}, fmt.Errorf("config.settlement.base_rate: %w", err)
	}
	if rate.IsNegative() {
		return settlement.Rules{}, fmt.Errorf("config.settlement.base_rate must not be negative")
	}
	rules := settlement.Rules{BaseRate: rate, Special: map[string]int64{}}
	for _, t := range s.ViewTiers {
		if t.Threshold <= 0 || t.Bonus < 0 {
			return settlement.Rules{}, fmt.Errorf("config.settlement.view_tiers: threshold must be positive and bonus non-negative")
		}
		rules.ViewTiers = append(rules.ViewTiers, settlement.Tier{Threshold: decimal.NewFromInt(t.Threshold), Bonus: t.Bonus})
	}
	for _, t := range s.ConversionTiers {
		th, err := decimal.NewFromString(strings.TrimSpace(t.Threshold))
		if err != nil {
			return settlement.Rules{}, fmt.Errorf("config.settlement.conversion_tiers: %w", err)
		}
		if !th.IsPositive() || th.GreaterThan(decimal.NewFromInt(1)) || t.Bonus < 0 {
			return settlement.Rules{}, fmt.Errorf("config.settlement.conversion_tiers: threshold must be in (0,1] and bonus non-negative")
		}
		rules.ConversionTiers = append(rules.ConversionTiers, settlement.Tier{Threshold: th, Bonus: t.Bonus})
	}
	for name, amount := range s.SpecialBonuses {
		if amount < 0 {
			return settlement.Rules{}, fmt.Errorf("special bonus %s must not be negative", name)
		}
		rules.Special[name] = amount
	}
	sort.Slice(rules.ViewTiers, func(i, j int) bool { return rules.ViewTiers[i].Threshold.GreaterThan(rules.ViewTiers[j].Threshold) })
	sort.Slice(rules.ConversionTiers, func(i, j int) bool {
		return rules.ConversionTiers[i].Threshold.GreaterThan(rules.ConversionTiers[j].Threshold)
	})
	return rules, nil
}

// Permissions returns the permission set granted to the given roles.
func (c *Config) Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cutline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// LoadOptional falls back to the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("cutline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(serviceName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: %s

settlement:
  timezone: Asia/Seoul
  base_rate: "0.8"
  view_tiers:
    - {threshold: 100000, bonus: 50000}
    - {threshold: 50000, bonus: 30000}
    - {threshold: 10000, bonus: 10000}
  conversion_tiers:
    - {threshold: "0.08", bonus: 50000}
    - {threshold: "0.05", bonus: 30000}
    - {threshold: "0.03", bonus: 15000}
  special_bonuses:
    quarter_mvp: 100000
    most_new_clients: 50000

rbac:
  roles:
    operator:
      description: "Operations team: intake, capacity and releases"
      permissions:
        - request.create
        - request.update
        - request.close
        - request.read
        - assignment.release
        - assignment.read
        - version.read
        - feedback.read
        - settlement.read
        - event.read
        - apikey.manage
    reviewer:
      description: "Feedback team: reviews delivered cuts"
      permissions:
        - request.read
        - assignment.read
        - version.read
        - version.review
        - feedback.write
        - feedback.read
        - annotation.write
    producer:
      description: "Freelance producer"
      permissions:
        - request.read
        - request.claim
        - assignment.read
        - version.submit
        - version.read
        - feedback.read
        - feedback.resolve
    settlement:
      description: "Settlement team: batches, metrics and bonus flags"
      permissions:
        - settlement.read
        - settlement.run
        - settlement.complete
        - settlement.flag
        - metrics.write
        - event.read

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  rate_limit:
    rps: 50
    burst: 100

scheduler:
  enabled: true
  interval: 1h

payout:
  webhook:
    url: ""
    secret: ""
    timeout: 5s

metrics:
  cache_ttl: 5m

logging:
  level: info
  format: text
`
