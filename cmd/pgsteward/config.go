package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dmitrymomot/pgsteward"
	"github.com/dmitrymomot/pgsteward/pkg/analyzer"
	"github.com/dmitrymomot/pgsteward/pkg/bulk"
	"github.com/dmitrymomot/pgsteward/pkg/cachemon"
	"github.com/dmitrymomot/pgsteward/pkg/indexaudit"
	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

// cliConfig is the file/env configuration surface. Unknown keys are a
// hard error at load time.
type cliConfig struct {
	Database struct {
		ConnURL             string        `mapstructure:"conn_url"`
		MinConns            int32         `mapstructure:"min_conns"`
		MaxConns            int32         `mapstructure:"max_conns"`
		AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
		MaxIdleAge          time.Duration `mapstructure:"max_idle_age"`
		HealthSweepInterval time.Duration `mapstructure:"health_sweep_interval"`
		StatementCacheCap   int           `mapstructure:"statement_cache_cap"`
	} `mapstructure:"database"`

	Analyzer struct {
		Interval          time.Duration `mapstructure:"interval"`
		SlowMeanMS        float64       `mapstructure:"slow_mean_ms"`
		MinCalls          int64         `mapstructure:"min_calls"`
		TopN              int           `mapstructure:"top_n"`
		ExplainSampleRate float64       `mapstructure:"explain_sample_rate"`
		SeqScanThreshold  int64         `mapstructure:"seq_scan_threshold_rows"`
	} `mapstructure:"analyzer"`

	IndexAudit struct {
		Interval         time.Duration `mapstructure:"interval"`
		Schemas          []string      `mapstructure:"schemas"`
		MinTableBytes    int64         `mapstructure:"min_table_bytes"`
		UnusedThreshold  int64         `mapstructure:"unused_idx_scan_threshold"`
		MinAgeDays       int           `mapstructure:"min_age_days"`
		BloatThreshold   float64       `mapstructure:"bloat_threshold"`
		MaxTablesPerPass int           `mapstructure:"max_tables_per_pass"`
	} `mapstructure:"index_audit"`

	CacheMonitor struct {
		Interval    time.Duration `mapstructure:"interval"`
		HeapHitMin  float64       `mapstructure:"heap_hit_min"`
		IndexHitMin float64       `mapstructure:"index_hit_min"`
		HistoryLen  int           `mapstructure:"history_len"`
	} `mapstructure:"cache_monitor"`

	Bulk struct {
		ValuesPerStatement int `mapstructure:"values_per_statement"`
		CopyChunkRows      int `mapstructure:"copy_chunk_rows"`
		MaxAttempts        int `mapstructure:"max_attempts"`
	} `mapstructure:"bulk"`

	DryRun        *bool         `mapstructure:"dry_run"`
	AutoApplySafe bool          `mapstructure:"auto_apply_safe"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`
	AuditCron     string        `mapstructure:"audit_cron"`

	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Sentry struct {
		DSN         string `mapstructure:"dsn"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"sentry"`

	Sinks struct {
		File struct {
			Path   string `mapstructure:"path"`
			Format string `mapstructure:"format"`
		} `mapstructure:"file"`
		HTTP struct {
			URL string `mapstructure:"url"`
		} `mapstructure:"http"`
		Redis struct {
			URL           string `mapstructure:"url"`
			AlertChannel  string `mapstructure:"alert_channel"`
			ReportChannel string `mapstructure:"report_channel"`
		} `mapstructure:"redis"`
	} `mapstructure:"sinks"`
}

// loadConfig reads the config file (if any) plus PGSTEWARD_* env vars.
func loadConfig(cmd *cobra.Command) (cliConfig, error) {
	var cfg cliConfig

	v := viper.New()
	v.SetEnvPrefix("PGSTEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	// Unknown keys are rejected so typos fail loudly at startup.
	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		cfg.Database.ConnURL = dsn
	}
	if cfg.Database.ConnURL == "" {
		return cfg, fmt.Errorf("database.conn_url (or --dsn) is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8089"
	}
	return cfg, nil
}

// stewardConfig maps the CLI surface onto the library configuration.
func (c cliConfig) stewardConfig() pgsteward.Config {
	return pgsteward.Config{
		Pool: pgpool.Config{
			ConnectionString:    c.Database.ConnURL,
			MinConns:            c.Database.MinConns,
			MaxConns:            c.Database.MaxConns,
			AcquireTimeout:      c.Database.AcquireTimeout,
			MaxIdleAge:          c.Database.MaxIdleAge,
			HealthSweepInterval: c.Database.HealthSweepInterval,
			StatementCacheCap:   c.Database.StatementCacheCap,
		},
		Analyzer: analyzer.Config{
			Interval:             c.Analyzer.Interval,
			SlowMeanMS:           c.Analyzer.SlowMeanMS,
			MinCalls:             c.Analyzer.MinCalls,
			TopN:                 c.Analyzer.TopN,
			ExplainSampleRate:    c.Analyzer.ExplainSampleRate,
			SeqScanThresholdRows: c.Analyzer.SeqScanThreshold,
		},
		IndexAudit: indexaudit.Config{
			Interval:               c.IndexAudit.Interval,
			Schemas:                c.IndexAudit.Schemas,
			MinTableBytes:          c.IndexAudit.MinTableBytes,
			UnusedIdxScanThreshold: c.IndexAudit.UnusedThreshold,
			MinAgeDays:             c.IndexAudit.MinAgeDays,
			BloatThreshold:         c.IndexAudit.BloatThreshold,
			MaxTablesPerPass:       c.IndexAudit.MaxTablesPerPass,
		},
		CacheMon: cachemon.Config{
			Interval:    c.CacheMonitor.Interval,
			HeapHitMin:  c.CacheMonitor.HeapHitMin,
			IndexHitMin: c.CacheMonitor.IndexHitMin,
			HistoryLen:  c.CacheMonitor.HistoryLen,
		},
		Bulk: bulk.Config{
			ValuesPerStatement: c.Bulk.ValuesPerStatement,
			CopyChunkRows:      c.Bulk.CopyChunkRows,
			MaxAttempts:        c.Bulk.MaxAttempts,
		},
		AuditCron:     c.AuditCron,
		AlertCooldown: c.AlertCooldown,
	}
}

// dryRun defaults to true unless the config explicitly disables it.
func (c cliConfig) dryRun() bool {
	if c.DryRun == nil {
		return true
	}
	return *c.DryRun
}
