package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mywio/hubrelay/pkg/core"
)

// Config is the typed view of every section the relay understands.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	GitHub    GitHubConfig    `yaml:"github"`
	Command   CommandConfig   `yaml:"command"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Shortener ShortenerConfig `yaml:"shortener"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Store     StoreConfig     `yaml:"store"`
	IRC       IRCConfig       `yaml:"irc"`
}

type CoreConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	PluginsDir      string        `yaml:"plugins_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GitHubConfig struct {
	Token       string        `yaml:"token"`
	TokenSecret string        `yaml:"token_secret"` // projects/<p>/secrets/<s>/versions/<v>
	BaseURL     string        `yaml:"base_url"`
	Owner       string        `yaml:"owner"`
	Repo        string        `yaml:"repo"`
	Interval    time.Duration `yaml:"interval"`
	States      []string      `yaml:"states"`
}

type CommandConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	MaxConns    int           `yaml:"max_conns"`
	CIHelpURL   string        `yaml:"ci_help_url"`
}

type WebhookConfig struct {
	Path        string `yaml:"path"`
	Repository  string `yaml:"repository"`
	CommitLimit int    `yaml:"commit_limit"`
}

type ShortenerConfig struct {
	URL string `yaml:"url"`
}

type FanoutConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // negative: no bound
}

type StoreConfig struct {
	Kind     string `yaml:"kind"` // memory or redis
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

type IRCConfig struct {
	Networks []NetworkConfig `yaml:"networks"`
}

type NetworkConfig struct {
	Name     string   `yaml:"name"`
	Addr     string   `yaml:"addr"`
	Nick     string   `yaml:"nick"`
	User     string   `yaml:"user"`
	RealName string   `yaml:"realname"`
	Channels []string `yaml:"channels"`
}

// ConfigMap is a sectioned configuration map keyed by section name.
// Values are YAML-friendly scalars or nested maps/lists.
type ConfigMap map[string]map[string]any

// LoadDotEnv loads a .env file into the process environment when one
// exists. Variables already set are left untouched.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadConfigFile loads a YAML config file from disk.
// Returns an empty map if the file does not exist or is empty.
func LoadConfigFile(path string) (ConfigMap, error) {
	if path == "" {
		return ConfigMap{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConfigMap{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ConfigMap{}, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return normalizeConfigMap(raw), nil
}

// LoadConfigMapFromEnv builds a sectioned config map from environment
// variables. Only variables that are set appear in the map, so file
// values are never shadowed by empty env entries.
func LoadConfigMapFromEnv() ConfigMap {
	cfg := ConfigMap{
		"core":      {},
		"github":    {},
		"command":   {},
		"webhook":   {},
		"shortener": {},
		"fanout":    {},
		"store":     {},
		// Plugin sections; read by the plugins themselves.
		"pushover":       {},
		"notify_webhook": {},
	}

	setString(cfg["core"], "http_addr", "HTTP_ADDR")
	setString(cfg["core"], "log_level", "LOG_LEVEL")
	setString(cfg["core"], "log_format", "LOG_FORMAT")
	setString(cfg["core"], "plugins_dir", "PLUGINS_DIR")
	setString(cfg["core"], "shutdown_timeout", "SHUTDOWN_TIMEOUT")

	setString(cfg["github"], "token", "GITHUB_TOKEN")
	setString(cfg["github"], "token_secret", "GITHUB_TOKEN_SECRET")
	setString(cfg["github"], "base_url", "GITHUB_URL")
	setString(cfg["github"], "owner", "GITHUB_OWNER")
	setString(cfg["github"], "repo", "GITHUB_REPO")
	setString(cfg["github"], "interval", "POLL_INTERVAL")
	setList(cfg["github"], "states", "ISSUE_STATES")

	setString(cfg["command"], "addr", "COMMAND_ADDR")
	setString(cfg["command"], "read_timeout", "COMMAND_READ_TIMEOUT")
	setInt(cfg["command"], "max_conns", "COMMAND_MAX_CONNS")
	setString(cfg["command"], "ci_help_url", "CI_HELP_URL")

	setString(cfg["webhook"], "path", "WEBHOOK_PATH")
	setString(cfg["webhook"], "repository", "WEBHOOK_REPOSITORY")
	setInt(cfg["webhook"], "commit_limit", "WEBHOOK_COMMIT_LIMIT")

	setString(cfg["shortener"], "url", "SHORTENER_URL")

	setInt(cfg["fanout"], "queue_size", "FANOUT_QUEUE_SIZE")
	setString(cfg["fanout"], "write_timeout", "FANOUT_WRITE_TIMEOUT")

	setString(cfg["store"], "kind", "SNAPSHOT_STORE")
	setString(cfg["store"], "redis_url", "REDIS_URL")
	setString(cfg["store"], "prefix", "REDIS_PREFIX")

	setString(cfg["pushover"], "token", "NOTIFY_PUSHOVER_TOKEN")
	setString(cfg["pushover"], "user", "NOTIFY_PUSHOVER_USER")
	setString(cfg["notify_webhook"], "url", "NOTIFY_WEBHOOK_URL")

	// A single network can be described entirely from the environment.
	if server := os.Getenv("IRC_SERVER"); server != "" {
		network := map[string]any{"addr": server}
		setString(network, "name", "IRC_NETWORK")
		setString(network, "nick", "IRC_NICK")
		setString(network, "user", "IRC_USER")
		setString(network, "realname", "IRC_REALNAME")
		setList(network, "channels", "IRC_CHANNELS")
		cfg["irc"] = map[string]any{"networks": []any{network}}
	}

	return cfg
}

// MergeConfigMap merges primary over fallback (primary wins).
func MergeConfigMap(primary, fallback ConfigMap) ConfigMap {
	out := cloneConfigMap(fallback)
	for section, vals := range primary {
		if len(vals) == 0 {
			continue
		}
		merged := map[string]any{}
		if existing, ok := out[section]; ok {
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range vals {
			merged[k] = v
		}
		out[section] = merged
	}
	return out
}

// Load decodes every known section of m, applies defaults and validates
// the result.
func Load(m ConfigMap) (Config, error) {
	var cfg Config
	sections := []struct {
		name string
		out  any
	}{
		{"core", &cfg.Core},
		{"github", &cfg.GitHub},
		{"command", &cfg.Command},
		{"webhook", &cfg.Webhook},
		{"shortener", &cfg.Shortener},
		{"fanout", &cfg.Fanout},
		{"store", &cfg.Store},
		{"irc", &cfg.IRC},
	}
	for _, s := range sections {
		if err := core.DecodeConfigSection(m[s.name], s.out); err != nil {
			return Config{}, fmt.Errorf("section %s: %w", s.name, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Core.HTTPAddr == "" {
		c.Core.HTTPAddr = ":8080"
	}
	if c.Core.LogLevel == "" {
		c.Core.LogLevel = "info"
	}
	if c.Core.LogFormat == "" {
		c.Core.LogFormat = "json"
	}
	if c.Core.PluginsDir == "" {
		c.Core.PluginsDir = "plugins"
	}
	if c.Core.ShutdownTimeout == 0 {
		c.Core.ShutdownTimeout = 15 * time.Second
	}

	if c.GitHub.Interval == 0 {
		c.GitHub.Interval = 60 * time.Second
	}
	if len(c.GitHub.States) == 0 {
		c.GitHub.States = []string{"open", "closed"}
	}

	if c.Command.Addr == "" {
		c.Command.Addr = ":5055"
	}
	if c.Command.ReadTimeout == 0 {
		c.Command.ReadTimeout = 10 * time.Second
	}
	if c.Command.MaxConns == 0 {
		c.Command.MaxConns = 16
	}
	if c.Command.CIHelpURL == "" && c.GitHub.Owner != "" && c.GitHub.Repo != "" {
		c.Command.CIHelpURL = fmt.Sprintf("https://github.com/%s/%s/actions", c.GitHub.Owner, c.GitHub.Repo)
	}

	if c.Webhook.Path == "" {
		c.Webhook.Path = "/"
	}
	if c.Webhook.Repository == "" {
		c.Webhook.Repository = c.GitHub.Repo
	}

	if c.Fanout.QueueSize == 0 {
		c.Fanout.QueueSize = 256
	}
	if c.Fanout.WriteTimeout == 0 {
		c.Fanout.WriteTimeout = 30 * time.Second
	}

	if c.Store.Kind == "" {
		c.Store.Kind = "memory"
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "hubrelay:snapshot"
	}

	for i := range c.IRC.Networks {
		n := &c.IRC.Networks[i]
		if n.Name == "" {
			n.Name = n.Addr
		}
		if n.User == "" {
			n.User = "hubrelay"
		}
		if n.RealName == "" {
			n.RealName = "hubrelay notification relay"
		}
	}
}

// Validate reports the first missing or contradictory setting.
func (c Config) Validate() error {
	var errs []error
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		errs = append(errs, errors.New("github.owner and github.repo are required (GITHUB_OWNER, GITHUB_REPO)"))
	}
	for _, s := range c.GitHub.States {
		if s != "open" && s != "closed" {
			errs = append(errs, fmt.Errorf("github.states: unknown state %q", s))
		}
	}
	if c.GitHub.Interval < time.Second {
		errs = append(errs, fmt.Errorf("github.interval %s is too short", c.GitHub.Interval))
	}
	if len(c.IRC.Networks) == 0 {
		errs = append(errs, errors.New("at least one irc network is required (IRC_SERVER)"))
	}
	for _, n := range c.IRC.Networks {
		if n.Addr == "" || n.Nick == "" {
			errs = append(errs, fmt.Errorf("irc network %q: addr and nick are required", n.Name))
		}
		if len(n.Channels) == 0 {
			errs = append(errs, fmt.Errorf("irc network %q: no channels", n.Name))
		}
	}
	if c.Webhook.CommitLimit < 0 {
		errs = append(errs, errors.New("webhook.commit_limit must not be negative"))
	}
	if c.Command.MaxConns < 0 || c.Fanout.QueueSize < 0 {
		errs = append(errs, errors.New("command.max_conns and fanout.queue_size must not be negative"))
	}
	if c.Store.Kind != "memory" && c.Store.Kind != "redis" {
		errs = append(errs, fmt.Errorf("store.kind: unknown kind %q", c.Store.Kind))
	}
	if c.Store.Kind == "redis" && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("store.redis_url is required for the redis store"))
	}
	return errors.Join(errs...)
}

func setString(section map[string]any, key, env string) {
	if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
		section[key] = strings.TrimSpace(v)
	}
}

func setInt(section map[string]any, key, env string) {
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		section[key] = i
	}
}

// setList splits a comma-separated env value: "#malkier,#kythera".
func setList(section map[string]any, key, env string) {
	v, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []any
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	section[key] = out
}

func cloneConfigMap(src ConfigMap) ConfigMap {
	dst := ConfigMap{}
	for section, vals := range src {
		sectionCopy := map[string]any{}
		for k, v := range vals {
			sectionCopy[k] = v
		}
		dst[section] = sectionCopy
	}
	return dst
}

func normalizeConfigMap(raw map[string]any) ConfigMap {
	out := ConfigMap{}
	for key, value := range raw {
		if m := normalizeStringMap(value); m != nil {
			out[key] = m
		}
	}
	return out
}

func normalizeStringMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, v := range t {
			out[k] = normalizeValue(v)
		}
		return out
	case map[any]any:
		out := map[string]any{}
		for k, v := range t {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = normalizeValue(v)
		}
		return out
	default:
		return nil
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any, map[any]any:
		return normalizeStringMap(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return v
	}
}
