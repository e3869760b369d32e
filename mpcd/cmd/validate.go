package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reh3376/ignition-tools-sub002/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate record.yaml [record.yaml ...]",
	Short: "Validate controller record files",
	Long: `Validate parses each record and runs every domain check that the
daemon would run at startup, without binding a plant.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		rec, err := config.Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fmt.Printf("%s: ok (version %d, loop %q, %s model, %s plant)\n",
			path, rec.Version, rec.Loop.Name, rec.Model.Kind, rec.PlantKind())
	}
	return nil
}
