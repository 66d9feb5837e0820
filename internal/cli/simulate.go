package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"brainloop/internal/app"
)

var (
	simulateMetric   string
	simulateBaseline float64
	simulateCurrent  float64
	simulateSamples  int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-anomaly",
	Short: "模拟一次指标偏离并在内存中跑完整个控制循环",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateMetric == "" {
			return errors.New("--metric 不能为空")
		}
		if simulateSamples <= 0 {
			return errors.New("--samples 必须大于 0")
		}

		return getApp().SimulateAnomaly(cmd.Context(), app.SimulateOptions{
			Metric:   simulateMetric,
			Baseline: simulateBaseline,
			Current:  simulateCurrent,
			Samples:  simulateSamples,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "", "指标名称，例如 error_rate")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 0, "基线窗口内的取值")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "当前取值")
	simulateCmd.Flags().IntVar(&simulateSamples, "samples", 20, "基线样本数量")
}
