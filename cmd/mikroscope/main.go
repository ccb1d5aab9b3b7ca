package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mikroscope/mikroscope/internal/auth"
	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/logging"
	"github.com/mikroscope/mikroscope/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "mikroscope",
	Short:   "mikroscope - log sidecar with a queryable index and webhook alerting",
	Long:    `mikroscope tails NDJSON log trees into a queryable SQLite index, accepts authenticated producer batches over HTTP, enforces retention, and fires threshold-based webhook alerts.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mikroscope %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var hashpwCmd = &cobra.Command{
	Use:   "hashpw [password]",
	Short: "Hash a password for use as authPassword",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}
		if password == "" {
			return fmt.Errorf("password must not be empty")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)

	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a JSON configuration file")
	registerFlags(rootCmd)
}

func runServer(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, collectOverrides(cmd))
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "mikroscope",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("dbPath", cfg.DBPath).
		Str("logsPath", cfg.LogsPath).
		Msg("Starting mikroscope")

	srv, err := server.New(cfg, Version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
