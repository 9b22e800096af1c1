package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/orchestrator"
	"github.com/jgoulah/sajscraper/internal/publisher"
	"github.com/jgoulah/sajscraper/internal/scraper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the portal and publish to MQTT until stopped",
	Long: `Runs the poll loop: fetch every configured microinverter from the SAJ
portal, track daily peaks and staleness, and publish the readings to Home
Assistant. Polling slows down while the portal reports no new data and
pauses during the configured quiet hours. SIGINT or SIGTERM stops the loop,
closes the browser and marks the entities unavailable.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	log.Info("starting sajscraper",
		zap.String("version", version),
		zap.String("portal", cfg.BaseURL),
		zap.Int("devices", len(cfg.Devices)),
		zap.String("timezone", cfg.Location.String()),
		zap.String("state_backend", cfg.StateBackend))

	pub := publisher.New(cfg.MQTT, version, log)
	if err := pub.Connect(cfg.MQTTConnectTimeout()); err != nil {
		// paho keeps retrying; publishes fail until the broker is reachable
		log.Warn("MQTT broker not reachable yet, continuing", zap.Error(err))
	}

	client := scraper.NewClient(cfg, log)
	o := orchestrator.New(cfg, orchestrator.Deps{
		Fetcher:   scraper.NewManager(client, log),
		Store:     store,
		Publisher: pub,
	}, log)

	if err := o.Run(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrFatal) {
			log.Error("check saj_username and saj_password, then restart the add-on")
		}
		return err
	}

	log.Info("stopped")
	return nil
}
