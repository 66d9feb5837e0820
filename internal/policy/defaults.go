package policy

// DefaultVersion identifies the built-in policy table.
const DefaultVersion = "builtin-2026.10"

// Default returns the built-in policy used when the config file carries none.
func Default() *Policy {
	return &Policy{
		Version: DefaultVersion,
		Thresholds: map[string]Threshold{
			"hit_rate":        {Warning: 0.55, Critical: 0.50, Direction: LowerIsWorse, Unit: "percent"},
			"average_ev":      {Warning: 0.02, Critical: 0.0, Direction: LowerIsWorse, Unit: "percent"},
			"user_confidence": {Warning: 0.60, Critical: 0.45, Direction: LowerIsWorse, Unit: "percent"},
			"throughput":      {Warning: 100, Critical: 50, Direction: LowerIsWorse},
			"error_rate":      {Warning: 0.03, Critical: 0.05, Direction: HigherIsWorse, Unit: "percent"},
			"response_time":   {Warning: 500, Critical: 1000, Direction: HigherIsWorse, Unit: "ms"},
			"cpu_usage":       {Warning: 0.70, Critical: 0.90, Direction: HigherIsWorse, Unit: "percent"},
			"memory_usage":    {Warning: 0.75, Critical: 0.90, Direction: HigherIsWorse, Unit: "percent"},
		},
		Strategies: map[string][]Candidate{
			"database_connection_pool": {
				{Action: "increase_pool_size", SuccessRate: 0.85},
				{Action: "clear_idle_connections", SuccessRate: 0.70},
				{Action: "restart_service", SuccessRate: 0.60},
			},
			"api_response_time": {
				{Action: "enable_caching", SuccessRate: 0.80},
				{Action: "scale_horizontally", SuccessRate: 0.75},
				{Action: "switch_provider", SuccessRate: 0.65},
			},
			"model_accuracy_degradation": {
				{Action: "rollback_model", SuccessRate: 0.80},
				{Action: "retrain_model", SuccessRate: 0.70},
				{Action: "tighten_confidence_thresholds", SuccessRate: 0.65},
			},
			"high_error_rate": {
				{Action: "rollback_deployment", SuccessRate: 0.75},
				{Action: "switch_provider", SuccessRate: 0.65},
				{Action: "restart_service", SuccessRate: 0.60},
			},
			"resource_exhaustion": {
				{Action: "scale_vertically", SuccessRate: 0.80},
				{Action: "clear_cache", SuccessRate: 0.70},
			},
		},
		MetricTargets: map[string]string{
			"hit_rate":        "model_accuracy_degradation",
			"average_ev":      "model_accuracy_degradation",
			"user_confidence": "model_accuracy_degradation",
			"throughput":      "api_response_time",
			"response_time":   "api_response_time",
			"error_rate":      "high_error_rate",
			"cpu_usage":       "resource_exhaustion",
			"memory_usage":    "resource_exhaustion",
			"db_connections":  "database_connection_pool",
		},
		Metrics: []string{"db_connections"},
	}
}
