package cmd

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/reh3376/ignition-tools-sub002/config"
	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a control loop from a record file",
	Long: `Run loads the record, binds the plant, and drives the loop and its
supervisor until interrupted. The record file is watched for version
bumps and reloaded without stopping the loop.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "loop.yaml", "Path to the controller record")
	runCmd.Flags().String("env", "", "Dotenv file overlaying the record (default .env)")
	runCmd.Flags().Bool("no-monitor", false, "Disable the HTTP monitor even if the record enables it")
	runCmd.Flags().Bool("loopback", false, "Force the loopback simulator over the record's plant binding")
	runCmd.Flags().Bool("open-monitor", false, "Open the monitor in a browser once it is serving")
	runCmd.Flags().Bool("log-cycles", false, "Log every completed cycle")
	runCmd.Flags().Duration("watch-interval", 2*time.Second, "How often the record file is polled for changes")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envPath, _ := cmd.Flags().GetString("env")
	noMonitor, _ := cmd.Flags().GetBool("no-monitor")
	loopback, _ := cmd.Flags().GetBool("loopback")
	openMonitor, _ := cmd.Flags().GetBool("open-monitor")
	logCycles, _ := cmd.Flags().GetBool("log-cycles")
	watchInterval, _ := cmd.Flags().GetDuration("watch-interval")

	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}

	logger := log.New(os.Stderr, "mpcd ", log.LstdFlags|log.Lmsgprefix)

	b := daemon.MakeBuilder().
		WithConfigPath(configPath).
		WithLogger(logger).
		WithWatchInterval(watchInterval)
	if noMonitor {
		b = b.WithoutMonitoring()
	}
	if loopback {
		b = b.WithLoopbackPlant()
	}

	d, err := b.Build()
	if err != nil {
		return err
	}
	defer d.Terminate()

	rec := d.Record()
	plant := rec.PlantKind()
	if loopback {
		plant = "loopback (forced)"
	}
	logger.Printf("daemon %s: loop %q, record version %d, %s plant",
		d.ID(), rec.Loop.Name, rec.Version, plant)

	if logCycles {
		d.Loop().AcceptHook(control.NewCycleLogger(logger))
	}

	if openMonitor && d.Monitor() != nil {
		if err := browser.OpenURL(monitorURL(d.Monitor().Addr())); err != nil {
			logger.Printf("could not open browser: %s", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case sig := <-sigChan:
		logger.Printf("received %s, shutting down", sig)
		cancel()
	}

	// Give the workers a bounded window to drain before forcing the exit.
	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()

	select {
	case err := <-done:
		return err
	case <-timeout.C:
		logger.Printf("shutdown timed out, exiting")
		os.Exit(1)
	}
	return nil
}

// monitorURL rewrites the bound listen address into one a browser can
// open; a wildcard bind answers on localhost.
func monitorURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	return "http://localhost:" + port
}
