package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram    TelegramConfig    `yaml:"telegram"`
	LLM         LLMConfig         `yaml:"llm"`
	WebSearch   WebSearchConfig   `yaml:"web_search"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Dialog      DialogConfig      `yaml:"dialog"`
	Todoist     TodoistConfig     `yaml:"todoist"`
	Memory      MemoryConfig      `yaml:"memory"`
	NATS        NATSConfig        `yaml:"nats"`
	Store       StoreConfig       `yaml:"store"`
	Web         WebConfig         `yaml:"web"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Vault       VaultConfig       `yaml:"vault"`
	Log         LogConfig         `yaml:"log"`
}

type TelegramConfig struct {
	Token       string  `yaml:"token"`
	AllowFrom   []int64 `yaml:"allow_from"`
	BotUsername string  `yaml:"bot_username"`
	// GroupTrigger is "mention" (reply only when mentioned or replied to)
	// or "all".
	GroupTrigger string `yaml:"group_trigger"`
}

type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type WebSearchConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIKey     string        `yaml:"api_key"`
	MCPURL     string        `yaml:"mcp_url"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ReliabilityConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     float64       `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type DialogConfig struct {
	UsePlanner     bool          `yaml:"use_planner"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// Agents lists the enabled agent types. Empty enables every agent
	// whose dependencies are configured.
	Agents []string `yaml:"agents"`
}

type TodoistConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MemoryConfig struct {
	Retention time.Duration `yaml:"retention"`
	FactLimit int           `yaml:"fact_limit"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Telegram: TelegramConfig{
			GroupTrigger: "mention",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.z.ai/api/coding/paas/v4",
			Model:       "glm-4-flash",
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     120 * time.Second,
		},
		WebSearch: WebSearchConfig{
			Enabled:    true,
			MCPURL:     "https://api.z.ai/api/mcp/web_search_prime/mcp",
			MaxResults: 5,
			Timeout:    30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   10 * time.Second,
				Jitter:     0.2,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 3,
				RecoveryTimeout:  30 * time.Second,
			},
		},
		Dialog: DialogConfig{
			UsePlanner:     true,
			StepTimeout:    60 * time.Second,
			HistoryLimit:   10,
			SessionTimeout: 30 * time.Minute,
		},
		Todoist: TodoistConfig{
			BaseURL: "https://api.todoist.com/rest/v2",
			Timeout: 15 * time.Second,
		},
		Memory: MemoryConfig{
			Retention: 90 * 24 * time.Hour,
			FactLimit: 5,
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/nergal.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval:    30 * time.Second,
			CleanupInterval: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("NERGAL_CONFIG"); p != "" {
		return p
	}
	return "config/nergal.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

// Validate checks the settings needed to run the gateway.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if c.WebSearch.Enabled && c.WebSearch.APIKey == "" {
		errs = append(errs, errors.New("web_search.api_key is required when web search is enabled"))
	}
	if c.WebSearch.MaxResults < 1 || c.WebSearch.MaxResults > 50 {
		errs = append(errs, fmt.Errorf("web_search.max_results must be between 1 and 50, got %d", c.WebSearch.MaxResults))
	}
	if c.Todoist.Enabled && c.Vault.Passphrase == "" {
		errs = append(errs, errors.New("vault.passphrase is required when todoist is enabled"))
	}
	return errors.Join(errs...)
}

// AgentEnabled reports whether an agent type is enabled by dialog.agents.
func (c *Config) AgentEnabled(name string) bool {
	if len(c.Dialog.Agents) == 0 {
		return true
	}
	for _, a := range c.Dialog.Agents {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NERGAL_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	} else if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("NERGAL_ALLOW_FROM"); v != "" {
		cfg.Telegram.AllowFrom = parseIDs(v)
	}
	if v := os.Getenv("NERGAL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("NERGAL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("NERGAL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("NERGAL_WEB_SEARCH_API_KEY"); v != "" {
		cfg.WebSearch.APIKey = v
	} else if cfg.WebSearch.APIKey == "" {
		// Z.ai uses one key for chat and search.
		cfg.WebSearch.APIKey = cfg.LLM.APIKey
	}
	if v := os.Getenv("NERGAL_WEB_SEARCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WebSearch.Enabled = b
		}
	}
	if v := os.Getenv("NERGAL_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("NERGAL_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("NERGAL_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("NERGAL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NERGAL_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("NERGAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NERGAL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
