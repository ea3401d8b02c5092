package models

import "time"

// CheckResult is a single boolean check produced by an evaluation
type CheckResult struct {
	Name    string  `json:"name"`
	Passed  bool    `json:"passed"`
	Weight  float64 `json:"weight"`
	Details string  `json:"details,omitempty"`
}

// Report is the result of evaluating one job. Workers persist it in a report
// store and hand only its id back to the control plane.
type Report struct {
	ID            string        `json:"id"`
	JobID         string        `json:"jobId"`
	WorkerID      string        `json:"workerId"`
	Server        string        `json:"server"`
	ServerName    string        `json:"serverName,omitempty"`
	ServerVersion string        `json:"serverVersion,omitempty"`
	Tools         []string      `json:"tools,omitempty"`
	Checks        []CheckResult `json:"checks"`
	Score         float64       `json:"score"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
}

// WeightedScore returns passed weight over total weight in [0, 1]. A check
// without an explicit weight counts as 1.
func WeightedScore(checks []CheckResult) float64 {
	var total, passed float64
	for _, c := range checks {
		w := c.Weight
		if w == 0 {
			w = 1
		}
		total += w
		if c.Passed {
			passed += w
		}
	}
	if total == 0 {
		return 0
	}
	return passed / total
}
