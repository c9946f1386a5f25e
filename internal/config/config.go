// Package config provides configuration loading for the Aurora migration.
package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/constants"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// AWS configuration
	AWSRegion  string
	AWSProfile string

	// RDS endpoint override (for testing against a local emulator)
	RDSEndpoint string
	// DemoMode signs requests with anonymous credentials, for emulators that do not check them.
	DemoMode bool

	// Slack configuration
	SlackEnabled bool
	SlackToken   string
	SlackChannel string

	// Debug settings
	DebugEnabled bool

	// Storage settings
	DataDir string // directory for the run journal

	// Wait settings
	WaitDeadline             time.Duration // 0 waits without bound
	InstancePollInterval     time.Duration
	ModificationPollInterval time.Duration
	ReplicationPollInterval  time.Duration
	ReplicationGracePeriod   time.Duration
	RebootSettlePeriod       time.Duration
	DialTimeout              time.Duration

	// ManualRestore skips the restore API call and waits for an operator.
	ManualRestore bool

	// DBPassword is the MySQL password when it is not given on the command line.
	DBPassword string
}

// NewConfig creates a new Config from environment variables.
func NewConfig() (*Config, error) {
	cfg := &Config{
		AWSRegion:                getEnv("AWS_REGION", constants.DefaultAWSRegion),
		AWSProfile:               getEnv("AWS_PROFILE", ""),
		RDSEndpoint:              getEnv("RDS_ENDPOINT", ""),
		DemoMode:                 getEnvBool("APP_DEMO_MODE", false),
		SlackEnabled:             getEnvBool("APP_SLACK_ENABLED", false),
		SlackToken:               getEnv("APP_SLACK_TOKEN", ""),
		SlackChannel:             getEnv("APP_SLACK_CHANNEL", ""),
		DebugEnabled:             getEnvBool("APP_DEBUG_ENABLED", false),
		DataDir:                  getEnv("APP_DATA_DIR", constants.DefaultDataDir),
		ManualRestore:            getEnvBool("APP_MANUAL_RESTORE", false),
		DBPassword:               getEnv("MIGRATE_DB_PASSWORD", ""),
		InstancePollInterval:     constants.InstancePollInterval,
		ModificationPollInterval: constants.ModificationPollInterval,
		ReplicationPollInterval:  constants.ReplicationPollInterval,
		ReplicationGracePeriod:   constants.ReplicationGracePeriod,
		RebootSettlePeriod:       constants.RebootSettlePeriod,
		DialTimeout:              constants.DefaultDialTimeout,
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"APP_WAIT_DEADLINE", &cfg.WaitDeadline},
		{"APP_INSTANCE_POLL_INTERVAL", &cfg.InstancePollInterval},
		{"APP_MODIFICATION_POLL_INTERVAL", &cfg.ModificationPollInterval},
		{"APP_REPLICATION_POLL_INTERVAL", &cfg.ReplicationPollInterval},
		{"APP_REPLICATION_GRACE_PERIOD", &cfg.ReplicationGracePeriod},
		{"APP_REBOOT_SETTLE_PERIOD", &cfg.RebootSettlePeriod},
		{"APP_DB_DIAL_TIMEOUT", &cfg.DialTimeout},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, *d.dest)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	if cfg.SlackToken != "" {
		cfg.SlackEnabled = true
	}
	if cfg.SlackEnabled && cfg.SlackChannel == "" {
		return nil, errors.Wrap(internalerrors.ErrInvalidParameter, "APP_SLACK_CHANNEL is required when Slack is enabled")
	}

	return cfg, nil
}

// LoadAWSConfig loads the AWS SDK configuration for region, or for AWSRegion when region is empty.
// In demo mode it uses anonymous credentials and a single attempt per call.
func (c *Config) LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = c.AWSRegion
	}
	if c.DemoMode {
		return aws.Config{
			Region:           region,
			RetryMaxAttempts: 1,
			Credentials:      aws.AnonymousCredentials{},
		}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if c.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.AWSProfile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrapf(err, "load aws config for region %s", region)
	}
	return cfg, nil
}

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"aws_region":                 c.AWSRegion,
		"aws_profile":                c.AWSProfile,
		"rds_endpoint":               c.RDSEndpoint,
		"demo_mode":                  c.DemoMode,
		"slack_enabled":              c.SlackEnabled,
		"slack_token":                redact(c.SlackToken),
		"slack_channel":              c.SlackChannel,
		"debug_enabled":              c.DebugEnabled,
		"data_dir":                   c.DataDir,
		"wait_deadline":              c.WaitDeadline.String(),
		"instance_poll_interval":     c.InstancePollInterval.String(),
		"modification_poll_interval": c.ModificationPollInterval.String(),
		"replication_poll_interval":  c.ReplicationPollInterval.String(),
		"replication_grace_period":   c.ReplicationGracePeriod.String(),
		"reboot_settle_period":       c.RebootSettlePeriod.String(),
		"dial_timeout":               c.DialTimeout.String(),
		"manual_restore":             c.ManualRestore,
		"db_password":                redact(c.DBPassword),
	}
}

// LogValue implements slog.LogValuer so a Config never logs its secrets.
func (c *Config) LogValue() slog.Value {
	red := c.Redacted()
	attrs := make([]slog.Attr, 0, len(red))
	for k, v := range red {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if getEnvBool("APP_DEBUG_ENABLED", false) {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// LoadPlanFile reads plan input from a YAML file. Unknown keys are rejected.
func LoadPlanFile(path string) (types.PlanInput, error) {
	var in types.PlanInput

	data, err := os.ReadFile(path)
	if err != nil {
		return in, errors.Wrapf(err, "read plan file %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return in, errors.Wrapf(internalerrors.WithKind(internalerrors.ErrInvalidParameter, err), "parse plan file %s", path)
	}
	return in, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "2h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(internalerrors.ErrInvalidParameter, "%s: invalid duration %q", key, value)
	}
	return d, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
