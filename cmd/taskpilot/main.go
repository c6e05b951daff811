package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskpilot/internal/assistant"
	"taskpilot/internal/broker"
	"taskpilot/internal/config"
	"taskpilot/internal/server"
	"taskpilot/internal/storage/sqlite"
	"taskpilot/internal/util"
)

var (
	configFile string
	addrFlag   string
	dbFlag     string
	staticFlag string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "taskpilot",
		Short: "Project roadmap planner with live task tracking and an AI planning chat",
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", util.EnvOrDefault("TASKPILOT_CONFIG", ""), "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Path to sqlite database file")

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&staticFlag, "static", "", "Directory with built frontend")

	var progressCmd = &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Print a project's roadmap progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runProgress,
	}

	rootCmd.AddCommand(serveCmd, progressCmd)

	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies command line flags over the file and environment.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if dbFlag != "" {
		cfg.Storage.Path = dbFlag
	}
	if staticFlag != "" {
		cfg.Server.StaticDir = staticFlag
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Log.Level)
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("taskpilot starting", slog.String("db", cfg.Storage.Path), slog.String("model", cfg.Assistant.Model))

	store, err := sqlite.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer store.Close()

	b := broker.New(store, broker.WithLogger(logger))
	defer b.Close()
	store.OnChange(b.Notify)

	ai := assistant.New(cfg.Assistant, logger)
	if !ai.Enabled() {
		logger.Warn("ANTHROPIC_API_KEY not set; replies and roadmaps use built-in fallbacks")
	}

	srv := server.New(store, b, ai, logger, server.Options{
		StaticDir:   cfg.Server.StaticDir,
		MatchWindow: cfg.Chat.MatchWindow(),
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Engine(),
	}

	go func() {
		logger.Info("starting server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := sqlite.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	project, err := store.GetProject(ctx, args[0])
	if err != nil {
		return err
	}
	rm, err := store.GetRoadmap(ctx, project.ID)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), project, rm)
	return nil
}
