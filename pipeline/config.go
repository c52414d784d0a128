// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"studymesh/platform/classifier"
	"studymesh/platform/compliance"
	"studymesh/platform/contextbundle"
	"studymesh/platform/personalization"
	"studymesh/platform/provider"
	"studymesh/platform/shared/logger"
	"studymesh/platform/validator"
)

// StageTimeouts is the per-stage budget. The stage budgets sum within
// the overall deadline; optional stages that exceed theirs are skipped,
// mandatory ones fail the request.
type StageTimeouts struct {
	Classify        time.Duration `yaml:"classify"`
	Context         time.Duration `yaml:"context"`
	Invoke          time.Duration `yaml:"invoke"`
	Validate        time.Duration `yaml:"validate"`
	Personalization time.Duration `yaml:"personalization"`
	Compliance      time.Duration `yaml:"compliance"`
	Overall         time.Duration `yaml:"overall"`
}

// Config is the full pipeline configuration, loadable from YAML with
// environment overrides and hot-reloadable at runtime.
type Config struct {
	Providers       []provider.Config        `yaml:"providers"`
	SelectionPolicy provider.SelectionPolicy `yaml:"selection_policy"`

	Classifier classifier.Config           `yaml:"classifier"`
	Context    contextbundle.Config        `yaml:"context"`
	Validator  validator.Config            `yaml:"validator"`
	Personal   personalization.Config      `yaml:"personalization"`
	Audit      compliance.AuditQueueConfig `yaml:"audit"`
	Invoker    provider.InvokerConfig      `yaml:"invoker"`
	Monitor    provider.MonitorConfig      `yaml:"monitor"`

	Timeouts StageTimeouts `yaml:"timeouts"`

	// FallbackMessage is emitted when every provider fails or a
	// mandatory stage times out.
	FallbackMessage string `yaml:"fallback_message"`

	// HedgedMessagePrefix introduces a low-confidence answer after the
	// regeneration retry also fails validation.
	HedgedMessagePrefix string `yaml:"hedged_message_prefix"`

	CacheTTL time.Duration `yaml:"cache_ttl"`

	RedisAddr   string `yaml:"redis_addr"`
	PostgresURL string `yaml:"postgres_url"`
	MongoURI    string `yaml:"mongo_uri"`

	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a runnable baseline. Providers must still be
// configured.
func DefaultConfig() *Config {
	return &Config{
		SelectionPolicy: provider.PolicyPriority,
		Classifier:      classifier.DefaultConfig(),
		Context:         contextbundle.DefaultConfig(),
		Validator:       validator.DefaultConfig(),
		Personal:        personalization.DefaultConfig(),
		Audit:           compliance.DefaultAuditQueueConfig(),
		Invoker:         provider.DefaultInvokerConfig(),
		Monitor:         provider.DefaultMonitorConfig(),
		Timeouts: StageTimeouts{
			Classify:        2 * time.Second,
			Context:         5 * time.Second,
			Invoke:          15 * time.Second,
			Validate:        5 * time.Second,
			Personalization: 1 * time.Second,
			Compliance:      2 * time.Second,
			Overall:         30 * time.Second,
		},
		FallbackMessage: "I couldn't produce a reliable answer right now. " +
			"Please try again in a moment.",
		HedgedMessagePrefix: "I'm not fully confident in this answer, so please verify it: ",
		CacheTTL:            5 * time.Minute,
		RedisAddr:           "localhost:6379",
		ListenAddr:          ":8080",
	}
}

// Load reads the YAML file at path, fills gaps with defaults, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override connection
// endpoints and the routing policy without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STUDYMESH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("STUDYMESH_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("STUDYMESH_MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("STUDYMESH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STUDYMESH_SELECTION_POLICY"); v != "" {
		cfg.SelectionPolicy = provider.SelectionPolicy(v)
	}
	if v := os.Getenv("STUDYMESH_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.CacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("STUDYMESH_REJECTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.Validator.RejectionThreshold = f
		}
	}
}

func (c *Config) validate() error {
	if !provider.IsValidSelectionPolicy(string(c.SelectionPolicy)) {
		return fmt.Errorf("invalid selection policy %q", c.SelectionPolicy)
	}
	if c.Timeouts.Overall <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
	}
	return nil
}

// ConfigManager holds the live configuration behind an atomic pointer.
// Watch swaps in a fresh snapshot when the file changes; in-flight
// requests keep the snapshot they started with.
type ConfigManager struct {
	path    string
	current atomic.Pointer[Config]
	log     *logger.Logger
}

// NewConfigManager loads the initial config and prepares the watcher.
func NewConfigManager(path string, log *logger.Logger) (*ConfigManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &ConfigManager{path: path, log: log}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticConfigManager wraps a fixed config. Watch is a no-op; it is
// meant for embedding the pipeline without a config file.
func NewStaticConfigManager(cfg *Config, log *logger.Logger) *ConfigManager {
	m := &ConfigManager{log: log}
	m.current.Store(cfg)
	return m
}

// Current returns the live config snapshot.
func (m *ConfigManager) Current() *Config {
	return m.current.Load()
}

// Watch blocks, reloading on file changes, until ctx is done. A reload
// that fails validation keeps the previous snapshot.
func (m *ConfigManager) Watch(done <-chan struct{}) error {
	if m.path == "" {
		<-done
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			m.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("", "", "config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (m *ConfigManager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.ErrorWithErr("", "", "config reload failed, keeping previous snapshot", err, nil)
		return
	}
	m.current.Store(cfg)
	m.log.Info("", "", "configuration reloaded", map[string]interface{}{"path": m.path})
}
