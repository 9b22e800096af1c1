package main

import "os"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
