package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"brainloop/internal/app"
)

var (
	showWhat     string
	showLimit    int
	showCategory string
	showTarget   string
	showStatus   string
	showSport    string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display anomalies, healing history, decisions or calibration reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			What:     showWhat,
			Limit:    showLimit,
			Category: showCategory,
			Target:   showTarget,
			Status:   showStatus,
			Sport:    showSport,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showWhat, "what", app.ShowAnomalies, "View to display: "+strings.Join(app.ShowViews, "|"))
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showCategory, "category", "", "Decision category filter (decisions, performance)")
	showCmd.Flags().StringVar(&showTarget, "target", "", "Healing target filter (healing, stats)")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Status, result or outcome filter")
	showCmd.Flags().StringVar(&showSport, "sport", "", "Sport for the calibration view (defaults to calibration.sports)")
}
