package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"wafer-analytics/internal/alerting"
	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/cache"
	"wafer-analytics/internal/config"
	"wafer-analytics/internal/models"
	"wafer-analytics/internal/pipeline"
	"wafer-analytics/internal/simulator"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	if err := rootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "wafer-analytics",
		Short:         "Analyze wafer test results and alert on sustained yield drops.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory containing config.yaml")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}
	cmd.AddCommand(
		generateCmd(load),
		analyzeCmd(load),
		serveCmd(load),
	)
	return cmd
}

type loader func() (config.Config, error)

func generateCmd(load loader) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic wafer test dataset as CSV.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ds, err := generate(cfg)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				err = models.WriteCSV(os.Stdout, ds)
			} else {
				err = writeDatasetFile(out, ds)
			}
			if err != nil {
				return err
			}
			log.Infof("Generated %d records across %d wafers", ds.Len(), cfg.Simulator.NumWafers)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wafer_test_data.csv", "Output file, - for stdout")
	return cmd
}

func analyzeCmd(load loader) *cobra.Command {
	var (
		in     string
		format string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Compute yield, coverage, cost and correlation and dispatch yield drop alerts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ds, err := loadDataset(cfg, in)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store pipeline.Store
			if redisClient := connectCache(cfg); redisClient != nil {
				defer redisClient.Close()
				store = redisClient
			}

			res, err := pipeline.Run(ctx, ds, pipeline.Options{
				Report:          cfg.Analysis,
				Recipients:      cfg.Alerts.Recipients,
				ChannelOverride: cfg.Alerts.ChannelOverride,
			}, newDispatcher(cfg), store)
			if err != nil {
				return err
			}
			recordRun(res.Report)
			pipeline.Summary(res)
			return writeReport(os.Stdout, res.Report, format)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "CSV dataset to analyze; a dataset is generated when empty")
	cmd.Flags().StringVar(&format, "format", "yaml", "Report format: yaml or json")
	return cmd
}

func serveCmd(load loader) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve analysis results over HTTP for dashboards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ds, err := loadDataset(cfg, in)
			if err != nil {
				return err
			}
			analyzer, err := analytics.NewAnalyzer(ds)
			if err != nil {
				return err
			}

			var history alertHistory
			if redisClient := connectCache(cfg); redisClient != nil {
				defer redisClient.Close()
				history = redisClient
			}

			server := NewServer(analyzer, cfg.Analysis, history)
			return server.Run(fmt.Sprintf(":%d", cfg.Server.Port))
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "CSV dataset to serve; a dataset is generated when empty")
	return cmd
}

// writeDatasetFile returns the close error when the write succeeded.
func writeDatasetFile(path string, ds models.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := models.WriteCSV(f, ds); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

func generate(cfg config.Config) (models.Dataset, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = timeSeed()
	}
	g, err := simulator.NewSeededGenerator(cfg.Simulator, seed)
	if err != nil {
		return models.Dataset{}, errors.Wrap(err, "invalid simulator config")
	}
	log.Info("Generating test data...")
	return g.Generate(), nil
}

func timeSeed() int64 {
	return time.Now().UnixNano()
}

func loadDataset(cfg config.Config, path string) (models.Dataset, error) {
	if path == "" {
		return generate(cfg)
	}
	f, err := os.Open(path)
	if err != nil {
		return models.Dataset{}, errors.WithStack(err)
	}
	defer f.Close()
	ds, err := models.ReadCSV(f)
	if err != nil {
		return models.Dataset{}, errors.Wrapf(err, "reading %s", path)
	}
	return ds, nil
}

// connectCache returns nil when no cache is configured or it is unreachable.
func connectCache(cfg config.Config) *cache.RedisClient {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client, err := cache.NewRedisClient(cfg.Redis.Addr)
	if err != nil {
		log.Warnf("Continuing without cache: %s", err)
		return nil
	}
	return client
}

func newDispatcher(cfg config.Config) *alerting.Dispatcher {
	email := alerting.NewEmailChannel(cfg.Alerts.Email)
	webhook := alerting.NewWebhookChannel(cfg.Alerts.Webhook)
	log.WithFields(log.Fields{
		"email":   email.Enabled(),
		"webhook": webhook.Enabled(),
	}).Info("Alert channels configured")
	return alerting.NewDispatcher(email, webhook)
}

func recordRun(report *analytics.Report) {
	wafersAnalyzed.Add(float64(report.TotalWafers))
	for _, a := range report.Alerts {
		yieldAlerts.WithLabelValues(string(a.Severity)).Inc()
		if a.HasYield() {
			latestRollingYield.Set(a.RollingYield)
		}
	}
}

func writeReport(w io.Writer, report *analytics.Report, format string) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return errors.WithStack(enc.Encode(report))
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(jsonReport(report)), "encoding report")
	default:
		return errors.Errorf("unknown report format %q", format)
	}
}
