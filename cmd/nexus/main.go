// Command nexus runs the NEXUS self-learning agent platform: the learning
// loop, the autonomous task loop, and the HTTP control surface in one
// process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/core"
	"github.com/nexus-agent/nexus/internal/httpapi"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/scheduler"
)

var (
	flagConfig string
	flagRoot   string
	flagAddr   string
)

func main() {
	root := &cobra.Command{
		Use:          "nexus",
		Short:        "NEXUS self-learning autonomous agent platform",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "nexus.yaml", "config seed file")
	root.PersistentFlags().StringVar(&flagRoot, "root", ".", "project root (workspace and data live here)")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:8400", "HTTP listen address")

	root.AddCommand(
		startCmd(),
		statusCmd(),
		safetyCmd(),
		reportCmd(),
		watchCmd(),
		backupCmd(),
		restoreCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, "", err
	}
	root, err := filepath.Abs(flagRoot)
	if err != nil {
		return nil, "", err
	}
	return cfg, root, nil
}

func startCmd() *cobra.Command {
	var noLoop bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the NEXUS daemon (learning loop + HTTP API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, root, err := loadConfig()
			if err != nil {
				return err
			}

			if err := logging.Initialize(filepath.Join(root, ".nexus")); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer logging.CloseAll()
			if err := logging.InitAudit(); err != nil {
				logging.BootError("init audit: %v", err)
			}
			defer logging.CloseAudit()

			console := logging.Console()
			console.Infow("nexus starting", "root", root, "addr", flagAddr, "mode", cfg.Execution.Mode)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := core.New(ctx, cfg, root, nil)
			defer c.Close()

			if err := c.Scout.WatchSources(ctx); err != nil {
				console.Warnw("sources watch unavailable", "err", err)
			}

			loop := scheduler.New(c)
			loopDone := make(chan struct{})
			startLoop := func() {
				go func() {
					loop.Run(ctx)
					close(loopDone)
				}()
			}
			if !noLoop {
				startLoop()
			} else {
				close(loopDone)
			}

			api := httpapi.NewServer(c, loop, startLoop, nil)
			server := &http.Server{Addr: flagAddr, Handler: api.Handler()}

			serverErr := make(chan error, 1)
			go func() {
				console.Infow("http api listening", "addr", flagAddr)
				serverErr <- server.ListenAndServe()
			}()

			select {
			case err := <-serverErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				console.Infow("shutdown signal received")
			}

			grace := time.Duration(cfg.Execution.GracefulShutdownSecs) * time.Second
			if grace <= 0 {
				grace = 30 * time.Second
			}
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
			defer shutdownCancel()

			loop.Stop()
			if err := server.Shutdown(shutdownCtx); err != nil {
				console.Warnw("http shutdown", "err", err)
			}
			select {
			case <-loopDone:
			case <-shutdownCtx.Done():
				console.Warnw("learning loop did not stop within grace period")
			}

			c.Debugger.EndSession()
			console.Infow("nexus stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noLoop, "no-loop", false, "serve the API without starting the learning loop")
	return cmd
}

// apiGet fetches a control-plane endpoint from a running daemon.
func apiGet(path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + flagAddr + "/api/nexus" + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
