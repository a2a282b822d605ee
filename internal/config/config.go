package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"harvestline/internal/domain"
)

// Config models harvestline.yml.
type Config struct {
	Upstream    Upstream               `yaml:"upstream"`
	Harvest     Harvest                `yaml:"harvest"`
	Blacklist   Blacklist              `yaml:"blacklist"`
	IssueTypes  []domain.IssueTypeNode `yaml:"issue_types"`
	TeamMembers []TeamMember           `yaml:"team_members"`
	Server      Server                 `yaml:"server"`
	Log         Log                    `yaml:"log"`
}

type Upstream struct {
	BaseURL        string       `yaml:"base_url"`
	Email          string       `yaml:"email"`
	Token          string       `yaml:"token"`
	TimeoutSeconds int          `yaml:"timeout_seconds"`
	AllowList      []AllowRule  `yaml:"allow_list"`
	CustomFields   CustomFields `yaml:"custom_fields"`
}

// AllowRule permits the listed methods on one endpoint path relative to the
// API root (e.g. "search").
type AllowRule struct {
	Endpoint string   `yaml:"endpoint"`
	Methods  []string `yaml:"methods"`
}

type CustomFields struct {
	Team           string `yaml:"team"`
	StartDate      string `yaml:"start_date"`
	TransitionDate string `yaml:"transition_date"`
	EndDate        string `yaml:"end_date"`
}

type Harvest struct {
	Projects      []string `yaml:"projects"`
	Label         string   `yaml:"label"`
	RootType      string   `yaml:"root_type"`
	MaxDepth      int      `yaml:"max_depth"`
	ChunkSize     int      `yaml:"chunk_size"`
	MaxResults    int      `yaml:"max_results"`
	IntervalHours int      `yaml:"interval_hours"`
	Schedule      string   `yaml:"schedule"`
	// TeamMemberTypes narrows the per-member query; empty means any type.
	TeamMemberTypes  []string `yaml:"team_member_types"`
	ChangelogChunkMS int      `yaml:"changelog_chunk_delay_ms"`
	ChangelogPageMS  int      `yaml:"changelog_page_delay_ms"`
}

type Blacklist struct {
	Projects []string `yaml:"projects"`
	Teams    []string `yaml:"teams"`
	Statuses []string `yaml:"statuses"`
}

type TeamMember struct {
	Name  string `yaml:"name"`
	ID    string `yaml:"id"`
	Alias string `yaml:"alias"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	MCPPath  string `yaml:"mcp_path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

func (h Harvest) Interval() time.Duration {
	return time.Duration(h.IntervalHours) * time.Hour
}

func (h Harvest) ChangelogChunkDelay() time.Duration {
	return time.Duration(h.ChangelogChunkMS) * time.Millisecond
}

func (h Harvest) ChangelogPageDelay() time.Duration {
	return time.Duration(h.ChangelogPageMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config.upstream.base_url is required")
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.upstream.base_url %q is not an absolute url", c.Upstream.BaseURL)
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.upstream.timeout_seconds must be positive")
	}
	if len(c.Upstream.AllowList) == 0 {
		return fmt.Errorf("config.upstream.allow_list is required")
	}
	for _, rule := range c.Upstream.AllowList {
		if strings.TrimSpace(rule.Endpoint) == "" {
			return fmt.Errorf("config.upstream.allow_list has empty endpoint")
		}
		if len(rule.Methods) == 0 {
			return fmt.Errorf("allow_list endpoint %s has no methods", rule.Endpoint)
		}
		for _, m := range rule.Methods {
			switch strings.ToUpper(m) {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
			default:
				return fmt.Errorf("allow_list endpoint %s has invalid method %q", rule.Endpoint, m)
			}
		}
	}
	if len(c.Harvest.Projects) == 0 {
		return fmt.Errorf("config.harvest.projects is required")
	}
	for _, p := range c.Harvest.Projects {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.harvest.projects contains empty project key")
		}
	}
	if c.Harvest.Label == "" {
		return fmt.Errorf("config.harvest.label is required")
	}
	if c.Harvest.MaxDepth <= 0 {
		return fmt.Errorf("config.harvest.max_depth must be positive")
	}
	if c.Harvest.ChunkSize <= 0 {
		return fmt.Errorf("config.harvest.chunk_size must be positive")
	}
	if c.Harvest.IntervalHours <= 0 && c.Harvest.Schedule == "" {
		return fmt.Errorf("config.harvest.interval_hours or config.harvest.schedule is required")
	}
	if len(c.IssueTypes) == 0 {
		return fmt.Errorf("config.issue_types is required")
	}
	seen := map[int]bool{}
	for _, t := range c.IssueTypes {
		if t.Name == "" {
			return fmt.Errorf("issue type %d has empty name", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("issue type %d defined twice", t.ID)
		}
		seen[t.ID] = true
	}
	for _, m := range c.TeamMembers {
		if m.ID == "" {
			return fmt.Errorf("team member %q has empty id", m.Name)
		}
	}
	switch c.Log.Format {
	case "", "json", "dev":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'dev'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "harvestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with hl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `upstream:
  base_url: https://example.atlassian.net
  email: ""
  token: ""
  timeout_seconds: 30
  allow_list:
    - endpoint: search
      methods: [POST]
    - endpoint: changelog/bulkfetch
      methods: [POST]
    - endpoint: myself
      methods: [GET]
  custom_fields:
    team: customfield_10001
    start_date: customfield_14339
    transition_date: customfield_14343
    end_date: customfield_13647

harvest:
  projects: [IAIPORT, AIPRDV, AIMP, IACU]
  label: SE_product_family
  root_type: ""
  max_depth: 5
  chunk_size: 100
  max_results: 1000
  interval_hours: 24
  schedule: ""
  team_member_types: []
  changelog_chunk_delay_ms: 200
  changelog_page_delay_ms: 100

blacklist:
  projects: []
  teams: []
  statuses: []

issue_types:
  - id: 10100
    name: Product Version
    child_type_ids: [10200]
  - id: 10200
    name: Feature
    child_type_ids: [10000]
  - id: 10000
    name: Epic
    child_type_ids: [10001, 10002, 10003]
  - id: 10001
    name: Story
    child_type_ids: []
  - id: 10002
    name: Task
    child_type_ids: []
  - id: 10003
    name: Bug
    child_type_ids: []

team_members: []

server:
  addr: 127.0.0.1:8080
  base_path: /api
  mcp_path: /mcp

log:
  level: info
  format: json
`
