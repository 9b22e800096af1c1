package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/sajscraper/internal/scraper"
)

var (
	debugVisible bool
	debugOutput  string
)

var debugCmd = &cobra.Command{
	Use:   "debug [serial]",
	Short: "Save the HTML of a device data page",
	Long: `Logs in and opens the data page of one microinverter (the first configured
one by default) to help debug scraper issues.

Flags:
  --visible    Open visible browser and pause for inspection
  --output     Save HTML to file instead of displaying`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDebug,
}

func init() {
	debugCmd.Flags().BoolVar(&debugVisible, "visible", false, "Open visible browser and pause")
	debugCmd.Flags().StringVar(&debugOutput, "output", "", "Save HTML to this file")
	rootCmd.AddCommand(debugCmd)
}

func runDebug(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	serial := cfg.Devices[0].Serial
	if len(args) == 1 {
		serial = args[0]
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	client := scraper.NewClient(cfg, log)
	client.SetVisible(debugVisible)

	mgr := scraper.NewManager(client, log)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	fmt.Println("Logging in...")
	session, err := mgr.Session(ctx)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	fmt.Println("✓ Logged in")

	fmt.Printf("Opening %s...\n", cfg.PortalURLs().DeviceData(serial))
	html, err := client.PageHTML(ctx, session, serial)
	if err != nil {
		return err
	}

	if record, err := scraper.ParseDataTable(html, serial); err != nil {
		fmt.Printf("Warning: data table did not parse: %v\n", err)
	} else {
		fmt.Printf("✓ Data table parsed, update time %s, %d field(s)\n", record.UpdateTime, len(record.Fields))
	}

	// Handle output
	if debugOutput != "" {
		if err := os.WriteFile(debugOutput, []byte(html), 0644); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		fmt.Printf("✓ HTML saved to %s\n", debugOutput)
	} else if !debugVisible {
		fmt.Println(html)
	}

	if debugVisible {
		fmt.Println("\nBrowser is open. Inspect the page, then press Enter to close...")
		fmt.Scanln()
	}

	return nil
}
