// Package config loads killfeed settings through viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"

	"github.com/lorddemonos/killfeed/internal/dispatch"
	"github.com/lorddemonos/killfeed/internal/tailer"
)

// EnvPrefix is prepended to every environment override, e.g.
// KILLFEED_DISCORD_WEBHOOK.
const EnvPrefix = "KILLFEED"

// Choice policies for ambiguous kills.
const (
	ChoicePrompt = "prompt"
	ChoiceFirst  = "first"
	ChoiceCancel = "cancel"
)

// Actions for kills of untracked names.
const (
	NewTargetPrompt  = "prompt"
	NewTargetEnable  = "enable"
	NewTargetDisable = "disable"
	NewTargetIgnore  = "ignore"
)

type EQLog struct {
	Dir          string        `mapstructure:"dir"`
	Pattern      string        `mapstructure:"pattern"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RescanEvery  int           `mapstructure:"rescan_every"`
}

type Discord struct {
	Webhook    string             `mapstructure:"webhook"`
	DryRun     bool               `mapstructure:"dry_run"`
	Timeout    time.Duration      `mapstructure:"timeout"`
	QueueSize  int                `mapstructure:"queue_size"`
	Spacing    time.Duration      `mapstructure:"spacing"`
	ServerZone string             `mapstructure:"server_zone"`
	ServerName string             `mapstructure:"server_name"`
	Templates  dispatch.Templates `mapstructure:"templates"`
}

type Dedup struct {
	BufferDelay    time.Duration `mapstructure:"buffer_delay"`
	SameKillWindow time.Duration `mapstructure:"same_kill_window"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	Snapshot       string        `mapstructure:"snapshot"`
}

type Storage struct {
	Registry        string        `mapstructure:"registry"`
	Journal         string        `mapstructure:"journal"`
	JournalMaxBytes int64         `mapstructure:"journal_max_bytes"`
	GCInterval      time.Duration `mapstructure:"gc_interval"`
}

type Prompt struct {
	Choice    string        `mapstructure:"choice"`
	NewTarget string        `mapstructure:"new_target"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Config is the full application configuration.
type Config struct {
	EQLog    EQLog   `mapstructure:"eqlog"`
	Discord  Discord `mapstructure:"discord"`
	Dedup    Dedup   `mapstructure:"dedup"`
	Storage  Storage `mapstructure:"storage"`
	Prompt   Prompt  `mapstructure:"prompt"`
	HTTPAddr string  `mapstructure:"http_addr"`
	LogLevel string  `mapstructure:"log_level"`
	Output   string  `mapstructure:"output"`
}

// DataDir is where state files live unless configured otherwise.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".killfeed"
	}
	return filepath.Join(home, ".killfeed")
}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper, dataDir string) {
	tpl := dispatch.DefaultTemplates()

	v.SetDefault("eqlog.dir", "")
	v.SetDefault("eqlog.pattern", tailer.DefaultPattern)
	v.SetDefault("eqlog.poll_interval", time.Second)
	v.SetDefault("eqlog.rescan_every", 10)

	v.SetDefault("discord.webhook", "")
	v.SetDefault("discord.dry_run", false)
	v.SetDefault("discord.timeout", 10*time.Second)
	v.SetDefault("discord.queue_size", 64)
	v.SetDefault("discord.spacing", 500*time.Millisecond)
	v.SetDefault("discord.server_zone", dispatch.DefaultServerZone)
	v.SetDefault("discord.server_name", "pq.proj")
	v.SetDefault("discord.templates.zone", tpl.Zone)
	v.SetDefault("discord.templates.lockout", tpl.Lockout)

	v.SetDefault("dedup.buffer_delay", 3*time.Second)
	v.SetDefault("dedup.same_kill_window", 9*time.Second)
	v.SetDefault("dedup.cooldown", 9*time.Second)
	v.SetDefault("dedup.snapshot", filepath.Join(dataDir, "dedup.json"))

	v.SetDefault("storage.registry", filepath.Join(dataDir, "targets"))
	v.SetDefault("storage.journal", filepath.Join(dataDir, "activity.jsonl"))
	v.SetDefault("storage.journal_max_bytes", int64(10*1024*1024))
	v.SetDefault("storage.gc_interval", 10*time.Minute)

	v.SetDefault("prompt.choice", ChoicePrompt)
	v.SetDefault("prompt.new_target", NewTargetPrompt)
	v.SetDefault("prompt.timeout", 2*time.Minute)

	v.SetDefault("http_addr", "127.0.0.1:8787")
	v.SetDefault("log_level", "info")
	v.SetDefault("output", "text")
}

// BindEnv enables KILLFEED_* overrides for every key.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.EQLog.Dir = expandHome(strings.TrimSpace(cfg.EQLog.Dir))
	cfg.Discord.Webhook = strings.TrimSpace(cfg.Discord.Webhook)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if !doublestar.ValidatePattern(c.EQLog.Pattern) {
		errs = append(errs, fmt.Errorf("eqlog.pattern %q is not a valid glob", c.EQLog.Pattern))
	}
	if c.EQLog.PollInterval <= 0 {
		errs = append(errs, errors.New("eqlog.poll_interval must be positive"))
	}
	if c.EQLog.RescanEvery <= 0 {
		errs = append(errs, errors.New("eqlog.rescan_every must be positive"))
	}

	if c.Discord.Webhook != "" && !strings.HasPrefix(c.Discord.Webhook, "https://") && !strings.HasPrefix(c.Discord.Webhook, "http://") {
		errs = append(errs, fmt.Errorf("discord.webhook %s is not an http(s) URL", dispatch.MaskURL(c.Discord.Webhook)))
	}
	if c.Discord.QueueSize <= 0 {
		errs = append(errs, errors.New("discord.queue_size must be positive"))
	}
	if c.Discord.Spacing < 0 || c.Discord.Timeout <= 0 {
		errs = append(errs, errors.New("discord.spacing must not be negative and discord.timeout must be positive"))
	}
	if _, err := time.LoadLocation(c.Discord.ServerZone); err != nil {
		errs = append(errs, fmt.Errorf("discord.server_zone: %w", err))
	}

	if c.Dedup.BufferDelay <= 0 {
		errs = append(errs, errors.New("dedup.buffer_delay must be positive"))
	}
	if c.Dedup.SameKillWindow <= 0 {
		errs = append(errs, errors.New("dedup.same_kill_window must be positive"))
	}
	if c.Dedup.Cooldown <= 0 {
		errs = append(errs, errors.New("dedup.cooldown must be positive"))
	}

	if c.Storage.Registry == "" {
		errs = append(errs, errors.New("storage.registry is required"))
	}

	switch c.Prompt.Choice {
	case ChoicePrompt, ChoiceFirst, ChoiceCancel:
	default:
		errs = append(errs, fmt.Errorf("prompt.choice %q must be one of prompt, first, cancel", c.Prompt.Choice))
	}
	switch c.Prompt.NewTarget {
	case NewTargetPrompt, NewTargetEnable, NewTargetDisable, NewTargetIgnore:
	default:
		errs = append(errs, fmt.Errorf("prompt.new_target %q must be one of prompt, enable, disable, ignore", c.Prompt.NewTarget))
	}

	switch c.Output {
	case "text", "json", "none":
	default:
		errs = append(errs, fmt.Errorf("output %q must be one of text, json, none", c.Output))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
