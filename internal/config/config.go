package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"wafer-analytics/internal/alerting"
	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/simulator"
)

type Config struct {
	Simulator simulator.Config        `mapstructure:"simulator"`
	Seed      int64                   `mapstructure:"seed"`
	Analysis  analytics.ReportOptions `mapstructure:"analysis"`
	Alerts    AlertsConfig            `mapstructure:"alerts"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Server    ServerConfig            `mapstructure:"server"`
}

type AlertsConfig struct {
	Email           alerting.EmailConfig   `mapstructure:"email"`
	Webhook         alerting.WebhookConfig `mapstructure:"webhook"`
	Recipients      []string               `mapstructure:"recipients"`
	ChannelOverride string                 `mapstructure:"channel_override"`
}

// RedisConfig leaves Addr empty to run without the cache.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// envBindings maps config keys onto the environment variables the
// deployment already sets.
var envBindings = map[string]string{
	"alerts.email.sender":            "EMAIL_SENDER",
	"alerts.email.smtp_server":       "SMTP_SERVER",
	"alerts.email.smtp_port":         "SMTP_PORT",
	"alerts.email.username":          "EMAIL_USERNAME",
	"alerts.email.password":          "EMAIL_PASSWORD",
	"alerts.webhook.webhook_url":     "SLACK_WEBHOOK_URL",
	"alerts.webhook.default_channel": "SLACK_CHANNEL",
	"alerts.recipients":              "ALERT_RECIPIENTS",
	"alerts.channel_override":        "ALERT_CHANNEL",
	"redis.addr":                     "REDIS_ADDR",
	"server.port":                    "PORT",
	"seed":                           "SIMULATOR_SEED",
}

func setDefaults(v *viper.Viper) {
	sim := simulator.DefaultConfig()
	v.SetDefault("simulator.num_wafers", sim.NumWafers)
	v.SetDefault("simulator.dies_per_wafer", sim.DiesPerWafer)
	v.SetDefault("simulator.num_bins", sim.NumBins)
	v.SetDefault("simulator.yield_target", sim.YieldTarget)
	v.SetDefault("simulator.variation", sim.Variation)
	v.SetDefault("seed", 0)

	opts := analytics.DefaultReportOptions()
	v.SetDefault("analysis.group_by", string(opts.GroupBy))
	v.SetDefault("analysis.wafer_cost", opts.WaferCost)
	v.SetDefault("analysis.test_cost_per_die", opts.TestCostPerDie)
	v.SetDefault("analysis.threshold", opts.Threshold)
	v.SetDefault("analysis.window_size", opts.WindowSize)

	v.SetDefault("alerts.email.smtp_port", 587)
	v.SetDefault("alerts.email.timeout", 10*time.Second)
	v.SetDefault("alerts.webhook.default_channel", "#alerts")
	v.SetDefault("alerts.webhook.timeout", 10*time.Second)
	v.SetDefault("alerts.recipients", []string{})
	v.SetDefault("alerts.channel_override", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("server.port", 8050)
}

// Load reads config.yaml from path when present, then applies environment
// overrides. A missing config file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, errors.Wrap(err, "reading config file")
		}
		log.Debugf("No config file found in %q, using defaults and environment", path)
	} else {
		log.Infof("Loaded config from %s", v.ConfigFileUsed())
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, errors.WithStack(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	cfg.Alerts.Recipients = splitRecipients(cfg.Alerts.Recipients)
	return cfg, nil
}

// splitRecipients also accepts a single comma separated entry, which is what
// the environment variable yields.
func splitRecipients(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, r := range strings.Split(entry, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}
