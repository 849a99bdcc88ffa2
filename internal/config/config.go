// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Browser  BrowserConfig `mapstructure:"browser"`
	Portal   PortalConfig  `mapstructure:"portal"`
	Tunables Tunables      `mapstructure:"tunables"`
	Storage  StorageConfig `mapstructure:"storage"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig locates the already-authenticated Chrome instance.
type BrowserConfig struct {
	DevtoolsURL      string `mapstructure:"devtools_url"`
	AttachTimeoutSec int    `mapstructure:"attach_timeout_seconds"`
	DownloadDir      string `mapstructure:"download_dir"`
}

// PortalConfig holds the portal element locators. They are configuration
// because the SRI occasionally reshuffles its PrimeFaces component IDs.
type PortalConfig struct {
	TableSelector     string `mapstructure:"table_selector"`
	PaginatorSelector string `mapstructure:"paginator_selector"`
	NextButton        string `mapstructure:"next_button"`
	FirstButton       string `mapstructure:"first_button"`
	XMLLinkSelector   string `mapstructure:"xml_link_selector"`
	PDFLinkSelector   string `mapstructure:"pdf_link_selector"`
	RUCSelector       string `mapstructure:"ruc_selector"`
	FormID            string `mapstructure:"form_id"`
	Domain            string `mapstructure:"domain"`
}

// Tunables is the runtime-adjustable subset: timing, retry, and retention
// parameters. User overrides persisted in the KV store are merged over these
// at startup and applied immediately to a running engine via setConfig.
type Tunables struct {
	DownloadDelayMs   int `mapstructure:"download_delay_ms" json:"download_delay_ms"`
	PageDelayMs       int `mapstructure:"page_delay_ms" json:"page_delay_ms"`
	RetryDelayMs      int `mapstructure:"retry_delay_ms" json:"retry_delay_ms"`
	DownloadTimeoutMs int `mapstructure:"download_timeout_ms" json:"download_timeout_ms"`
	PageTimeoutMs     int `mapstructure:"page_timeout_ms" json:"page_timeout_ms"`
	MaxRetries        int `mapstructure:"max_retries" json:"max_retries"`
	HistoryMaxAgeDays int `mapstructure:"history_max_age_days" json:"history_max_age_days"`
}

// StorageConfig selects and configures the KV persistence provider.
type StorageConfig struct {
	Provider   string `mapstructure:"provider"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features. An empty level keeps the
// flavor default: debug for development, info for production.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8719)
	v.SetDefault("browser.devtools_url", "http://127.0.0.1:9222")
	v.SetDefault("browser.attach_timeout_seconds", 10)
	v.SetDefault("portal.table_selector", `#frmPrincipal\:tablaCompRecibidos_data`)
	v.SetDefault("portal.paginator_selector", ".ui-paginator-current")
	v.SetDefault("portal.next_button", ".ui-paginator-next:not(.ui-state-disabled)")
	v.SetDefault("portal.first_button", ".ui-paginator-first:not(.ui-state-disabled)")
	v.SetDefault("portal.xml_link_selector", `[id$=":lnkXml"]`)
	v.SetDefault("portal.pdf_link_selector", `[id$=":lnkPdf"]`)
	v.SetDefault("portal.ruc_selector", ".ui-menuitem-text")
	v.SetDefault("portal.form_id", "frmPrincipal")
	v.SetDefault("portal.domain", "sri.gob.ec")
	v.SetDefault("tunables.download_delay_ms", 300)
	v.SetDefault("tunables.page_delay_ms", 1500)
	v.SetDefault("tunables.retry_delay_ms", 1000)
	v.SetDefault("tunables.download_timeout_ms", 5000)
	v.SetDefault("tunables.page_timeout_ms", 10000)
	v.SetDefault("tunables.max_retries", 2)
	v.SetDefault("tunables.history_max_age_days", 30)
	v.SetDefault("storage.provider", "sqlite")
	v.SetDefault("storage.sqlite_path", "sri-downloader.db")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Browser.DevtoolsURL == "" {
		return fmt.Errorf("browser.devtools_url must be set")
	}
	if c.Portal.TableSelector == "" || c.Portal.FormID == "" {
		return fmt.Errorf("portal selectors must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite provider")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return c.Tunables.Validate()
}

// Validate enforces bounds on the runtime-adjustable parameters. It also
// gates setConfig updates arriving over the API.
func (t Tunables) Validate() error {
	if t.DownloadDelayMs < 0 || t.PageDelayMs < 0 || t.RetryDelayMs < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	if t.DownloadTimeoutMs <= 0 {
		return fmt.Errorf("download_timeout_ms must be > 0")
	}
	if t.PageTimeoutMs <= 0 {
		return fmt.Errorf("page_timeout_ms must be > 0")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if t.HistoryMaxAgeDays <= 0 {
		return fmt.Errorf("history_max_age_days must be > 0")
	}
	return nil
}

// DownloadDelay is the pause between artifact downloads of one document.
func (t Tunables) DownloadDelay() time.Duration {
	return time.Duration(t.DownloadDelayMs) * time.Millisecond
}

// PageDelay is the blind wait used when page-change polling times out.
func (t Tunables) PageDelay() time.Duration {
	return time.Duration(t.PageDelayMs) * time.Millisecond
}

// RetryDelay is the fixed wait between download retry attempts.
func (t Tunables) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelayMs) * time.Millisecond
}

// DownloadTimeout bounds the wait for a download confirmation.
func (t Tunables) DownloadTimeout() time.Duration {
	return time.Duration(t.DownloadTimeoutMs) * time.Millisecond
}

// PageTimeout bounds the poll for a page-change confirmation.
func (t Tunables) PageTimeout() time.Duration {
	return time.Duration(t.PageTimeoutMs) * time.Millisecond
}

// HistoryMaxAge is the retention window for persisted run records.
func (t Tunables) HistoryMaxAge() time.Duration {
	return time.Duration(t.HistoryMaxAgeDays) * 24 * time.Hour
}
