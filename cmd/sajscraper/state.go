package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jgoulah/sajscraper/internal/scheduler"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show persisted peaks and staleness",
	Long:  `Displays the daily peak power of every microinverter and the plant, and how long ago the portal last reported new data.`,
	Args:  cobra.NoArgs,
	RunE:  runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	now := time.Now()
	fmt.Printf("\nState from %s (%s)\n", cfg.StatePath, cfg.StateBackend)
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("%-16s  %-16s  %10s  %s\n", "Serial", "Alias", "Peak W", "Last update")
	fmt.Println("------------------------------------------------------------")
	for _, d := range cfg.Devices {
		ds, ok := st.Devices[d.Serial]
		if !ok {
			fmt.Printf("%-16s  %-16s  %10s  %s\n", d.Serial, d.Alias, "-", "never")
			continue
		}
		fmt.Printf("%-16s  %-16s  %10.1f  %s\n", d.Serial, d.Alias,
			ds.Peak.PeakToday(now, cfg.Location), since(ds.LastUpdateTime))
	}
	fmt.Println("------------------------------------------------------------")
	fmt.Printf("Plant peak today: %.1f W", st.Plant.PeakToday(now, cfg.Location))
	if !st.Plant.UpdateTime.IsZero() {
		fmt.Printf(" (at %s)", st.Plant.UpdateTime.In(cfg.Location).Format("15:04"))
	}
	fmt.Println()

	fmt.Printf("Newest portal data: %s\n", since(st.Staleness.LastSeenUpdateTime))
	fmt.Printf("New data last seen: %s\n", since(st.Staleness.LastSeenWallClock))
	fmt.Printf("Last poll:          %s\n", since(st.Staleness.LastPollWallClock))

	plan := scheduler.Decide(now, scheduler.SettingsFromConfig(cfg), st.Staleness)
	fmt.Printf("Schedule:           %s, next poll %s\n", plan.Mode, humanize.Time(plan.Deadline))

	return nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
