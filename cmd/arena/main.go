// Command arena runs untrusted entries against simulations.
//
//	arena run [entry files]   run races locally, optionally with a TUI
//	arena worker              serve one worker over stdin/stdout
//	arena serve               serve workers over websockets
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/config"
	"github.com/wippyai/realm-runner/marshal"
	"github.com/wippyai/realm-runner/orchestrator"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/session"
	"github.com/wippyai/realm-runner/sims/race"
	"github.com/wippyai/realm-runner/stepper"
	"github.com/wippyai/realm-runner/store"
	"github.com/wippyai/realm-runner/worker"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "arena",
	Short:         "Run untrusted simulation entries in isolated realms",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		log, err = cfg.Logger()
		if err != nil {
			return err
		}
		installLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "arena.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.AddCommand(runCmd, workerCmd, serveCmd)
}

func installLogger(l *zap.Logger) {
	realm.SetLogger(l.Named("realm"))
	marshal.SetLogger(l.Named("marshal"))
	worker.SetLogger(l.Named("worker"))
	session.SetLogger(l.Named("session"))
	stepper.SetLogger(l.Named("stepper"))
	orchestrator.SetLogger(l.Named("orchestrator"))
	store.SetLogger(l.Named("store"))
	config.SetLogger(l.Named("config"))
}

func registry() *worker.Registry {
	reg := worker.NewRegistry()
	race.Register(reg)
	return reg
}

func transport(c *config.Config) session.Transport {
	switch c.Transport.Kind {
	case config.TransportProcess:
		return session.Process{Path: c.Transport.Command[0], Args: c.Transport.Command[1:]}
	case config.TransportWebsocket:
		return session.Websocket{URL: c.Transport.URL}
	}
	return session.Inproc{Registry: registry(), Realm: c.RealmConfig()}
}

func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if c.Store.Path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(ctx, c.Store.Path)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if log != nil {
		_ = log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
