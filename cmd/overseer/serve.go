package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/overseer/internal/api"
	"github.com/seantiz/overseer/internal/config"
	"github.com/seantiz/overseer/internal/launcher"
	"github.com/seantiz/overseer/internal/model"
	"github.com/seantiz/overseer/internal/service"
	"github.com/seantiz/overseer/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			logger.Info("overseer: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"artifact_dir", cfg.ArtifactDir,
			)

			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			reg := launcher.NewRegistry()
			reg.Register(model.IsolationNone, launcher.NewProcessLauncher(logger))
			reg.Register(model.IsolationContainer, launcher.NewContainerLauncher(logger))

			svc := service.New(db, reg, cfg.ArtifactDir, logger)
			srv := api.NewServer(cfg.ListenAddr, svc, logger)

			return srv.Run()
		},
	}
}
