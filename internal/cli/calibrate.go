package cli

import (
	"github.com/spf13/cobra"

	"brainloop/internal/app"
)

var (
	calibrateSport string
	calibrateDays  int
	calibrateSave  bool
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Analyse prediction calibration once and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Calibrate(cmd.Context(), app.CalibrateOptions{
			Sport:      calibrateSport,
			WindowDays: calibrateDays,
			Save:       calibrateSave,
		})
	},
}

func init() {
	calibrateCmd.Flags().StringVar(&calibrateSport, "sport", "", "Sport to analyse (defaults to calibration.sports)")
	calibrateCmd.Flags().IntVar(&calibrateDays, "days", 0, "Window in days (defaults to calibration.window_days)")
	calibrateCmd.Flags().BoolVar(&calibrateSave, "save", false, "Persist the reports")
}
