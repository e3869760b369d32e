package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/reh3376/ignition-tools-sub002/datarecording"
	"github.com/reh3376/ignition-tools-sub002/monitoring"
	"github.com/reh3376/ignition-tools-sub002/safety"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the monitor of a running daemon",
	Long: `Status fetches the monitor's status endpoint and prints each loop's
setpoint, latest cycle, tracking summary, and safety state.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "localhost:8089", "Monitor address of the running daemon")
	statusCmd.Flags().Bool("open", false, "Open the monitor in a browser instead of printing")
}

type loopStatus struct {
	Name     string                   `json:"name"`
	Period   string                   `json:"period"`
	Target   float64                  `json:"target"`
	Working  float64                  `json:"working_setpoint"`
	Overruns uint64                   `json:"overruns"`
	Safety   safety.Status            `json:"safety"`
	Latest   *datarecording.CycleRow  `json:"latest"`
	Tracking monitoring.TrackingStats `json:"tracking"`
}

type daemonStatus struct {
	Loops         []loopStatus `json:"loops"`
	ConfigVersion int          `json:"config_version"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	open, _ := cmd.Flags().GetBool("open")

	if open {
		return browser.OpenURL("http://" + addr)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	rsp, err := client.Get("http://" + addr + "/api/status")
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("monitor at %s answered %s", addr, rsp.Status)
	}

	var status daemonStatus
	if err := json.NewDecoder(rsp.Body).Decode(&status); err != nil {
		return err
	}

	if status.ConfigVersion > 0 {
		fmt.Printf("configuration version %d\n", status.ConfigVersion)
	}
	for _, l := range status.Loops {
		fmt.Printf("%s: period %s, safety %s", l.Name, l.Period, l.Safety.StateName)
		if l.Safety.Cause != "" {
			fmt.Printf(" (%s)", l.Safety.Cause)
		}
		if l.Overruns > 0 {
			fmt.Printf(", %d overruns", l.Overruns)
		}
		fmt.Println()

		fmt.Printf("  setpoint %.4g, working %.4g\n", l.Target, l.Working)
		if l.Latest != nil {
			fmt.Printf("  cycle %d: measurement %.4g, applied %.4g, %s in %s\n",
				l.Latest.Seq, l.Latest.Measurement, l.Latest.Applied,
				l.Latest.Status, time.Duration(l.Latest.SolveNanos))
		}
		if l.Tracking.Samples > 0 {
			fmt.Printf("  tracking over %d samples: mean error %.4g, rmse %.4g, max %.4g\n",
				l.Tracking.Samples, l.Tracking.Mean, l.Tracking.RMSE, l.Tracking.MaxAbs)
		}
	}
	return nil
}
