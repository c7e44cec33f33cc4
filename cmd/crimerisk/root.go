package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/crimerisk/internal/app"
	"github.com/rewired-gh/crimerisk/internal/config"
	"github.com/rewired-gh/crimerisk/internal/counts"
	"github.com/rewired-gh/crimerisk/internal/digest"
	"github.com/rewired-gh/crimerisk/internal/httpapi"
	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
	"github.com/rewired-gh/crimerisk/internal/storage"
	"github.com/rewired-gh/crimerisk/internal/telegram"
)

// maxDigestRecords bounds the digest notification state file.
const maxDigestRecords = 5000

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "crimerisk",
		Short:         "Neighborhood crime-risk forecasts and spike probabilities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults and CRIMERISK_* env when empty)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
		if configPath != "" {
			logger.Info("Configuration loaded from %s", configPath)
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCmd(load),
		predictCmd(load),
		spikeCmd(load),
		digestCmd(load),
		importCountsCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("Failed to close resources: %v", err)
				}
			}()

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      a.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Listening on %s", cfg.Server.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
				logger.Info("Shutdown signal received, draining requests...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down: %w", err)
			}
			logger.Info("Service stopped")
			return nil
		},
	}
}

func predictCmd(load configLoader) *cobra.Command {
	var date, crimeType, timeOfDay string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Print forecast risk for every neighborhood",
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := models.ParseDate(date)
			if err != nil {
				return err
			}
			seg, err := models.ParseSegment(crimeType, timeOfDay)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			preds, err := a.Forecast.Predict(cmd.Context(), day, seg)
			if err != nil {
				return err
			}
			if preds == nil {
				preds = []models.ForecastResult{}
			}
			return printJSON(cmd, httpapi.PredictResponse{Date: models.FormatDate(day), Filters: seg, Predictions: preds})
		},
	}
	cmd.Flags().StringVar(&date, "date", models.FormatDate(time.Now().UTC()), "ISO date inside the requested week")
	cmd.Flags().StringVar(&crimeType, "crime-type", "all", "all|violent|property|other")
	cmd.Flags().StringVar(&timeOfDay, "time-of-day", "all", "all|day|night")
	return cmd
}

func spikeCmd(load configLoader) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "spike",
		Short: "Print spike probabilities for every neighborhood",
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := models.ParseDate(date)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Spike.Spike(cmd.Context(), day)
			if err != nil {
				return err
			}
			return printJSON(cmd, httpapi.NewSpikeResponse(report, models.FormatDate(models.WeekStart(day))))
		},
	}
	cmd.Flags().StringVar(&date, "date", models.FormatDate(time.Now().UTC()), "ISO date inside the requested week")
	return cmd
}

func digestCmd(load configLoader) *cobra.Command {
	var schedule bool

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send the spike digest for the current week",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			store := storage.New(maxDigestRecords, cfg.Digest.StatePath, 0644, 0755)
			if err := store.Load(); err != nil {
				logger.Warn("Failed to load digest state, starting fresh: %v", err)
			}

			var notifier digest.Notifier
			if cfg.Telegram.Enabled {
				tc, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
				if err != nil {
					return err
				}
				notifier = tc
				logger.Info("Telegram client initialized successfully")
			} else {
				logger.Debug("Telegram notifications disabled")
			}

			d := digest.New(a.Spike, store, notifier, a.Metrics, digest.Config{
				Threshold: cfg.Digest.Threshold,
				TopK:      cfg.Digest.TopK,
			})

			if !schedule {
				res, err := d.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}

			c := cron.New()
			if _, err := c.AddFunc(cfg.Digest.Schedule, func() {
				if _, err := d.Run(ctx); err != nil {
					logger.Error("Digest run failed: %v", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid digest.schedule %q: %w", cfg.Digest.Schedule, err)
			}
			logger.Info("Digest scheduled: %s (threshold %.1f, top_k %d)", cfg.Digest.Schedule, cfg.Digest.Threshold, cfg.Digest.TopK)
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			logger.Info("Digest scheduler stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&schedule, "schedule", false, "run on digest.schedule until interrupted")
	return cmd
}

func importCountsCmd(load configLoader) *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "import-counts",
		Short: "Load a weekly counts CSV into the SQL count store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if csvPath == "" {
				csvPath = cfg.Counts.CSVPath
			}
			ctx := cmd.Context()

			records, err := counts.ReadCSVFile(csvPath)
			if err != nil {
				return err
			}
			db, err := app.OpenCountsDB(ctx, cfg.Counts)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := counts.Import(ctx, db, records)
			if err != nil {
				return err
			}
			logger.Info("Imported %d weekly counts from %s", n, csvPath)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file to import (defaults to counts.csv_path)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
