package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ironfish/clusterd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "ironfishd",
	Short: "ironfishd - clustered chess analysis node",
	Long: `ironfishd runs one node of a clustered chess analysis service: a
pool of UCI engine workers behind a REST/WebSocket/gRPC front door, gossiped
cluster membership, and a replicated API token store.`,
	Version: version.Get().String(),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
