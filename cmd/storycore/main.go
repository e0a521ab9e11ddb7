package main

import (
	"os"

	"github.com/spf13/cobra"

	srv "github.com/zedarvates/storycore/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "storycore"}

	var serveAddr string
	var configPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("STORYCORE_HTTP_ADDR")
			}
			return srv.Run(serveAddr, configPath)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serve.Flags().StringVar(&configPath, "config", "", "config file path")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return srv.Migrate(migDir, os.Getenv("DATABASE_URL"), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
