// Command cardsync is the flashcard sync client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/and161185/cardsync/internal/client/session"
	"github.com/and161185/cardsync/internal/config"
	"github.com/and161185/cardsync/internal/logging"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var v *viper.Viper

var jsonOut bool

var rootCmd = &cobra.Command{
	Use:           "cardsync",
	Short:         "Offline-capable client for the cardsync server",
	Version:       version + " (" + buildDate + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	v = config.NewViper()

	pf := rootCmd.PersistentFlags()
	pf.String("server", "", "server base URL (CARDSYNC_SERVER)")
	pf.String("token", "", "bearer token issued by the auth service (CARDSYNC_TOKEN)")
	pf.String("data-dir", "", "local data directory (CARDSYNC_DATA_DIR)")
	pf.String("log-level", "", "debug|info|warn|error")
	pf.String("log-file", "", "log file, rotated")
	pf.BoolVar(&jsonOut, "json", false, "print JSON")
	for _, k := range []string{"server", "token", "data-dir", "log-level", "log-file"} {
		_ = v.BindPFlag(k, pf.Lookup(k))
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
	)
	rootCmd.AddCommand(decksCmd, cardsCmd, progressCmd, syncCmd, statusCmd, watchCmd)
}

// withSession opens the profile session for one command and closes it after.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session) error) error {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	s, err := session.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
