package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgoulah/sajscraper/internal/publisher"
)

var discoveryClear bool

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Publish Home Assistant discovery configs",
	Long: `Announces the sensors of every configured microinverter and the plant to
Home Assistant. With --clear the retained configs are removed instead, which
deletes the entities.`,
	Args: cobra.NoArgs,
	RunE: runDiscovery,
}

func init() {
	discoveryCmd.Flags().BoolVar(&discoveryClear, "clear", false, "Remove the discovery configs")
	rootCmd.AddCommand(discoveryCmd)
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	pub := publisher.New(cfg.MQTT, version, log)
	if err := pub.Connect(cfg.MQTTConnectTimeout()); err != nil {
		return err
	}
	// A running poll loop owns availability
	defer pub.Disconnect()

	if discoveryClear {
		if err := pub.ClearDiscovery(cfg.Devices); err != nil {
			return fmt.Errorf("clearing discovery: %w", err)
		}
		fmt.Printf("✓ Removed discovery for %d microinverter(s) and the plant\n", len(cfg.Devices))
		return nil
	}

	if err := pub.PublishPlantDiscovery(); err != nil {
		return fmt.Errorf("publishing plant discovery: %w", err)
	}
	for _, d := range cfg.Devices {
		if err := pub.PublishDiscovery(d); err != nil {
			return fmt.Errorf("publishing discovery for %s: %w", d.Serial, err)
		}
		fmt.Printf("✓ %s (%s)\n", d.Alias, d.Serial)
	}
	fmt.Printf("✓ Published discovery for %d microinverter(s) and the plant\n", len(cfg.Devices))
	return nil
}
