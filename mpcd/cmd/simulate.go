package cmd

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reh3376/ignition-tools-sub002/config"
	"github.com/reh3376/ignition-tools-sub002/control"
	"github.com/reh3376/ignition-tools-sub002/daemon"
	"github.com/reh3376/ignition-tools-sub002/monitoring"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Exercise a record against the built-in plant simulator",
	Long: `Simulate runs the record's loop against the loopback plant on a
synthetic clock and prints a closed-loop summary. Hardware is never
dialed, so a production record can be tried safely.`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("config", "loop.yaml", "Path to the controller record")
	simulateCmd.Flags().Int("cycles", 200, "Number of control cycles to simulate")
	simulateCmd.Flags().Float64("setpoint", 0, "Override the record's initial setpoint")
	simulateCmd.Flags().Float64("disturbance", 0, "Constant unmeasured disturbance on the plant output")
	simulateCmd.Flags().Float64("noise", 0, "Standard deviation of Gaussian measurement noise")
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cycles, _ := cmd.Flags().GetInt("cycles")
	disturbance, _ := cmd.Flags().GetFloat64("disturbance")
	noiseSD, _ := cmd.Flags().GetFloat64("noise")

	if cycles < 1 {
		return fmt.Errorf("cycles must be at least 1, got %d", cycles)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	rec, err := config.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}

	logger := log.New(os.Stderr, "mpcd ", log.LstdFlags|log.Lmsgprefix)

	d, err := daemon.MakeBuilder().
		WithRecord(rec).
		WithLoopbackPlant().
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}
	defer d.Terminate()

	loop := d.Loop()
	plant := d.Loopback()

	if disturbance != 0 {
		plant.SetDisturbance(disturbance)
	}
	if noiseSD > 0 {
		plant.SetNoise(func() float64 { return rand.NormFloat64() * noiseSD })
	}

	if err := loop.Prime(context.Background()); err != nil {
		return err
	}
	if cmd.Flags().Changed("setpoint") {
		sp, _ := cmd.Flags().GetFloat64("setpoint")
		if err := loop.SetSetpoint(sp); err != nil {
			return err
		}
	}

	var bar *monitoring.ProgressBar
	if d.Monitor() != nil {
		bar = d.Monitor().CreateProgressBar("simulate "+loop.Name(), uint64(cycles))
	}

	period := loop.Period()
	now := time.Now()

	var last control.ControlCycleResult
	var degraded, overridden, rejected, overruns int
	for i := 0; i < cycles; i++ {
		last = loop.RunCycle(now)
		d.Supervisor().Check(now)

		if last.Degraded {
			degraded++
		}
		if last.Overridden {
			overridden++
		}
		if !last.MeasurementValid {
			rejected++
		}
		if last.Overrun {
			overruns++
		}
		if bar != nil {
			bar.IncrementFinished(1)
		}
		now = now.Add(period)
	}
	if bar != nil {
		d.Monitor().CompleteProgressBar(bar)
	}

	target, working := loop.Setpoint()
	fmt.Printf("loop %q: %d cycles of %s simulated\n", loop.Name(), cycles, period)
	fmt.Printf("  setpoint %.4g (working %.4g), plant output %.4g, applied %.4g\n",
		target, working, plant.Output(), last.Applied)
	fmt.Printf("  solver: %s on the last cycle, %d degraded, %d overridden, %d overruns\n",
		last.Status, degraded, overridden, overruns)
	fmt.Printf("  estimator: %d measurements rejected\n", rejected)
	fmt.Printf("  safety: %s\n", d.Supervisor().State())
	return nil
}
