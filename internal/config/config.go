package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Auction        AuctionConfig        `yaml:"auction"`
	Squad          SquadConfig          `yaml:"squad"`
	Transfer       TransferConfig       `yaml:"transfer"`
	AutoAssign     AutoAssignConfig     `yaml:"auto_assign"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Token   string `yaml:"token" validate:"required"`
	GuildID string `yaml:"guild_id"`
	// AdminRole is the role id allowed to run admin commands. Empty means
	// members with the Administrator permission.
	AdminRole string `yaml:"admin_role"`
	// NoticeChannel receives auction notices. Empty disables them.
	NoticeChannel string `yaml:"notice_channel"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver" validate:"oneof=sqlx memory"`
	// AutoMigrate applies the embedded migrations when the store opens.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	// OTLPEndpoint is host:port of an OTLP/HTTP collector. Empty keeps
	// telemetry in-process and logs JSON to stderr.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	// SampleRatio is the share of root traces kept.
	SampleRatio    float64       `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	MetricInterval time.Duration `yaml:"metric_interval" validate:"gte=0"`
	LogLevel       string        `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// AuctionConfig holds the bidding tunables shared by every gully.
type AuctionConfig struct {
	BidDuration   time.Duration `yaml:"bid_duration" validate:"gt=0"`
	MaxPassCycles int           `yaml:"max_pass_cycles" validate:"min=1"`
	// MinIncrement is the smallest raise over the leader. Zero accepts any
	// amount above it.
	MinIncrement  int64 `yaml:"min_increment" validate:"min=0"`
	DefaultBudget int64 `yaml:"default_budget" validate:"min=1"`
}

// SquadConfig holds squad composition rules. Role keys are batsman,
// bowler, all-rounder and wicket-keeper.
type SquadConfig struct {
	MinSquadSize    int            `yaml:"min_squad_size" validate:"min=0"`
	MaxSquadSize    int            `yaml:"max_squad_size" validate:"gt=0,gtefield=MinSquadSize"`
	PerRoleMin      map[string]int `yaml:"per_role_min" validate:"dive,keys,oneof=batsman bowler all-rounder wicket-keeper,endkeys,min=0"`
	PerRoleMax      map[string]int `yaml:"per_role_max" validate:"dive,keys,oneof=batsman bowler all-rounder wicket-keeper,endkeys,min=0"`
	WeeklyTransfers int            `yaml:"weekly_transfers" validate:"min=0"`
}

// TransferConfig holds transfer market settings.
type TransferConfig struct {
	CollectionWindow time.Duration `yaml:"collection_window" validate:"gt=0"`
	// FairPricePremium multiplies the base price of a direct sale, e.g. "1.10".
	FairPricePremium string `yaml:"fair_price_premium" validate:"required,numeric"`
}

// AutoAssignConfig selects the auto-assignment pricing.
type AutoAssignConfig struct {
	Pricing string `yaml:"pricing" validate:"oneof=base free"`
}

// ScheduleConfig holds the cron expressions driving the league calendar.
// Empty expressions disable the job.
type ScheduleConfig struct {
	Timezone            string `yaml:"timezone" validate:"required"`
	TransferWindowOpen  string `yaml:"transfer_window_open"`
	TransferWindowClose string `yaml:"transfer_window_close"`
	// SubmissionClose runs the auto-assigner for every gully.
	SubmissionClose string `yaml:"submission_close"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "gullybot",
			ServiceVersion: "0.1.0",
			SampleRatio:    1,
			MetricInterval: time.Minute,
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "gullybot-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Auction: AuctionConfig{
			BidDuration:   30 * time.Second,
			MaxPassCycles: 2,
			DefaultBudget: 1000,
		},
		Squad: SquadConfig{
			MinSquadSize:    11,
			MaxSquadSize:    15,
			WeeklyTransfers: 2,
		},
		Transfer: TransferConfig{
			CollectionWindow: 10 * time.Minute,
			FairPricePremium: "1.10",
		},
		AutoAssign: AutoAssignConfig{
			Pricing: "base",
		},
		Schedule: ScheduleConfig{
			Timezone: "UTC",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	// Role quotas replace the defaults as a whole rather than merging.
	if cfg.Squad.PerRoleMin == nil {
		cfg.Squad.PerRoleMin = map[string]int{"batsman": 3, "bowler": 3, "all-rounder": 1, "wicket-keeper": 1}
	}
	if cfg.Squad.PerRoleMax == nil {
		cfg.Squad.PerRoleMax = map[string]int{"wicket-keeper": 2}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule timezone: %w", err)
	}
	return nil
}
