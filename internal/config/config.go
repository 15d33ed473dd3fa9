// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	Workspace     string           `yaml:"workspace"`
	CommandPrefix string           `yaml:"command_prefix"`
	Worker        WorkerConfig     `yaml:"worker"`
	Storage       StorageConfig    `yaml:"storage"`
	Subtasks      SubtasksConfig   `yaml:"subtasks"`
	Telegraph     TelegraphConfig  `yaml:"telegraph"`
	API           APIConfig        `yaml:"api"`
	Schedules     []ScheduleConfig `yaml:"schedules"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// WorkerConfig describes the agent process launched for each thread. The
// provider, model and credentials are handed to the process at start time and
// never change for the life of that process.
type WorkerConfig struct {
	Command        []string          `yaml:"command"`
	Provider       string            `yaml:"provider"`
	Model          string            `yaml:"model"`
	Credentials    string            `yaml:"credentials"`
	TimeoutSec     int               `yaml:"timeout_sec"`
	KillGraceSec   int               `yaml:"kill_grace_sec"`
	ReplyDelimiter string            `yaml:"reply_delimiter"`
	Env            map[string]string `yaml:"env"`
}

// Timeout returns the per-request round trip budget.
func (w WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSec) * time.Second
}

// KillGrace returns how long a worker gets to exit after SIGTERM.
func (w WorkerConfig) KillGrace() time.Duration {
	return time.Duration(w.KillGraceSec) * time.Second
}

// StorageConfig selects and configures the thread storage backend.
type StorageConfig struct {
	Driver              string      `yaml:"driver"` // file, bolt, sqlite, mysql
	Path                string      `yaml:"path"`
	MySQL               MySQLConfig `yaml:"mysql"`
	PersistPendingTurns bool        `yaml:"persist_pending_turns"`
}

// MySQLConfig holds connection settings for the mysql storage driver.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SubtasksConfig controls detached background subtasks.
type SubtasksConfig struct {
	TimeoutSec   int `yaml:"timeout_sec"`
	MaxRunning   int `yaml:"max_running"`
	KeepFinished int `yaml:"keep_finished"` // finished subtasks kept for listing
}

// Timeout returns the default subtask timeout.
func (s SubtasksConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// TelegraphConfig configures the chat front-end.
type TelegraphConfig struct {
	Platform string        `yaml:"platform"` // slack, discord, or empty to disable
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ScheduleConfig is a cron-driven subtask.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	Thread     string `yaml:"thread"`
	Task       string `yaml:"task"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// LoggingConfig controls the zap logger built by the CLI.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

var envRefRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and validates the
// result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} with the environment value (empty when unset).
func expandEnv(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRefRe.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = ".roundhouse"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "/"
	}
	if c.Worker.TimeoutSec == 0 {
		c.Worker.TimeoutSec = 300
	}
	if c.Worker.KillGraceSec == 0 {
		c.Worker.KillGraceSec = 10
	}
	if c.Worker.ReplyDelimiter == "" {
		c.Worker.ReplyDelimiter = "<<<END>>>"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = filepath.Join(c.Workspace, "threads")
		case "bolt":
			c.Storage.Path = filepath.Join(c.Workspace, "threads.db")
		case "sqlite":
			c.Storage.Path = filepath.Join(c.Workspace, "threads.sqlite")
		}
	}
	if c.Storage.Driver == "mysql" {
		if c.Storage.MySQL.Host == "" {
			c.Storage.MySQL.Host = "127.0.0.1"
		}
		if c.Storage.MySQL.Port == 0 {
			c.Storage.MySQL.Port = 3306
		}
		if c.Storage.MySQL.User == "" {
			c.Storage.MySQL.User = "root"
		}
		if c.Storage.MySQL.Database == "" {
			c.Storage.MySQL.Database = "roundhouse"
		}
	}
	if c.Subtasks.TimeoutSec == 0 {
		c.Subtasks.TimeoutSec = 600
	}
	if c.Subtasks.MaxRunning == 0 {
		c.Subtasks.MaxRunning = 4
	}
	if c.Subtasks.KeepFinished == 0 {
		c.Subtasks.KeepFinished = 100
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	for i := range c.Schedules {
		if c.Schedules[i].TimeoutSec == 0 {
			c.Schedules[i].TimeoutSec = c.Subtasks.TimeoutSec
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Worker.Command) == 0 || strings.TrimSpace(c.Worker.Command[0]) == "" {
		errs = append(errs, "worker.command is required")
	}
	if c.Worker.TimeoutSec < 0 {
		errs = append(errs, "worker.timeout_sec must be positive")
	}
	if c.Worker.KillGraceSec < 0 {
		errs = append(errs, "worker.kill_grace_sec must be positive")
	}
	if strings.ContainsAny(c.Worker.ReplyDelimiter, "\r\n") {
		errs = append(errs, "worker.reply_delimiter must be a single line")
	}
	if strings.TrimSpace(c.CommandPrefix) != c.CommandPrefix {
		errs = append(errs, "command_prefix must not contain whitespace")
	}

	switch c.Storage.Driver {
	case "file", "bolt", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Sprintf("storage.path is required for driver %q", c.Storage.Driver))
		}
	case "mysql":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (file, bolt, sqlite, mysql)", c.Storage.Driver))
	}

	if c.Subtasks.TimeoutSec < 0 {
		errs = append(errs, "subtasks.timeout_sec must be positive")
	}
	if c.Subtasks.MaxRunning < 0 {
		errs = append(errs, "subtasks.max_running must be positive")
	}
	if c.Subtasks.KeepFinished < 0 {
		errs = append(errs, "subtasks.keep_finished must be positive")
	}

	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.Slack.AppToken == "" {
			errs = append(errs, "telegraph.slack.app_token is required")
		}
		if c.Telegraph.Slack.BotToken == "" {
			errs = append(errs, "telegraph.slack.bot_token is required")
		}
	case "discord":
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q is not supported (slack, discord)", c.Telegraph.Platform))
	}

	for i, s := range c.Schedules {
		if s.Thread == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].thread is required", i))
		}
		if s.Task == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].task is required", i))
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron %q is invalid: %v", i, s.Cron, err))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not supported (json, console)", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
