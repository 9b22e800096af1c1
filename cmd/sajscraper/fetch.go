package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/sajscraper/internal/normalizer"
	"github.com/jgoulah/sajscraper/internal/scraper"
)

var fetchVisible bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the current readings once",
	Long: `Logs in to the SAJ portal, reads every configured microinverter and prints
the normalized readings. Nothing is persisted or published.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchVisible, "visible", false, "Show browser window (for debugging)")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	client := scraper.NewClient(cfg, log)
	client.SetVisible(fetchVisible)

	mgr := scraper.NewManager(client, log)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.FetchTimeout()+time.Minute)
	defer cancel()

	fmt.Printf("Fetching %d microinverter(s) from %s...\n", len(cfg.Devices), cfg.BaseURL)
	res, err := mgr.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching: %w", err)
	}
	for _, m := range res.Missing {
		fmt.Printf("Warning: %v\n", m)
	}

	readings, errs := normalizer.New(cfg.Devices, cfg.Location).NormalizeAll(res.Records)
	for _, err := range errs {
		fmt.Printf("Warning: %v\n", err)
	}

	fmt.Println("----------------------------------------------------------------------------")
	fmt.Printf("%-16s  %-16s  %-20s  %9s  %10s  %10s\n", "Serial", "Alias", "Updated", "Power W", "Today kWh", "Total kWh")
	fmt.Println("----------------------------------------------------------------------------")
	for _, r := range readings {
		fmt.Printf("%-16s  %-16s  %-20s  %9s  %10s  %10s\n",
			r.Serial, r.Alias,
			r.UpdateTime.In(cfg.Location).Format("2006-01-02 15:04:05"),
			value(r.Power), value(r.EnergyToday), value(r.EnergyTotal))
	}
	fmt.Println("----------------------------------------------------------------------------")
	fmt.Printf("✓ %d of %d microinverter(s) reported\n", len(readings), len(cfg.Devices))

	return nil
}

// value formats an optional measurement
func value(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
