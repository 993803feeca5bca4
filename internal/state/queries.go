package state

// Side-effect-free query methods. These may be called outside the state
// lock; they never mutate the document.

// StatusSummary is the top-level status snapshot.
type StatusSummary struct {
	Phase          Phase          `json:"phase"`
	PhaseCompleted []Phase        `json:"phase_completed"`
	TaskCounts     map[Status]int `json:"task_counts"`
	TotalTasks     int            `json:"total_tasks"`
	TotalTokens    int            `json:"total_tokens"`
	TotalCost      float64        `json:"total_cost"`
	HaltRequested  bool           `json:"halt_requested"`
	HasCheckpoint  bool           `json:"has_checkpoint"`
}

// GetStatus returns a snapshot of the document.
func (s *State) GetStatus() StatusSummary {
	return StatusSummary{
		Phase:          s.Phase.Current,
		PhaseCompleted: append([]Phase(nil), s.Phase.Completed...),
		TaskCounts:     s.Counts(),
		TotalTasks:     len(s.Tasks),
		TotalTokens:    s.Execution.TotalTokens,
		TotalCost:      s.Execution.TotalCost,
		HaltRequested:  s.HaltRequested(),
		HasCheckpoint:  s.Checkpoint != nil,
	}
}

// Counts returns the number of tasks per status.
func (s *State) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

// FailureBreakdown returns failed-task counts per error category.
func (s *State) FailureBreakdown() map[string]int {
	breakdown := make(map[string]int)
	for _, t := range s.Tasks {
		if t.Status != StatusFailed {
			continue
		}
		category := t.ErrorCategory
		if category == "" {
			category = "unknown"
		}
		breakdown[category]++
	}
	return breakdown
}

// Metrics are the execution-quality aggregates derived from the document.
type Metrics struct {
	TaskSuccessRate    float64 `json:"task_success_rate"`
	FirstAttemptRate   float64 `json:"first_attempt_success_rate"`
	AverageAttempts    float64 `json:"average_attempts"`
	TokensPerCompleted float64 `json:"tokens_per_completed"`
	CostPerCompleted   float64 `json:"cost_per_completed"`
	FunctionalPassRate float64 `json:"functional_pass_rate"`
	QualityPassRate    float64 `json:"quality_pass_rate"`
	TestEdgeCaseRate   float64 `json:"test_edge_case_rate"`
	VerifiedTaskCount  int     `json:"verified_task_count"`
	CompletedCount     int     `json:"completed_count"`
	FailedCount        int     `json:"failed_count"`
	SkippedCount       int     `json:"skipped_count"`
}

// Metrics computes execution aggregates.
func (s *State) Metrics() Metrics {
	m := Metrics{
		CompletedCount: s.Execution.CompletedCount,
		FailedCount:    s.Execution.FailedCount,
		SkippedCount:   s.Execution.SkippedCount,
	}

	attempted := 0
	totalAttempts := 0
	firstAttempt := 0
	for _, t := range s.Tasks {
		if t.Attempts > 0 {
			attempted++
			totalAttempts += t.Attempts
		}
		if t.Status == StatusComplete && t.Attempts == 1 {
			firstAttempt++
		}
	}
	finished := m.CompletedCount + m.FailedCount
	if finished > 0 {
		m.TaskSuccessRate = float64(m.CompletedCount) / float64(finished)
	}
	if m.CompletedCount > 0 {
		m.FirstAttemptRate = float64(firstAttempt) / float64(m.CompletedCount)
		m.TokensPerCompleted = float64(s.Execution.TotalTokens) / float64(m.CompletedCount)
		m.CostPerCompleted = s.Execution.TotalCost / float64(m.CompletedCount)
	}
	if attempted > 0 {
		m.AverageAttempts = float64(totalAttempts) / float64(attempted)
	}

	var criteriaPass, criteriaTotal int
	var qualityPass, qualityTotal int
	var edgePass, edgeTotal int
	for _, t := range s.Tasks {
		v := t.Verification
		if v == nil {
			continue
		}
		m.VerifiedTaskCount++
		for _, c := range v.Criteria {
			criteriaTotal++
			if c.Score == ScorePass {
				criteriaPass++
			}
		}
		for _, q := range []VerdictScore{v.Quality.Types, v.Quality.Docs, v.Quality.Patterns, v.Quality.Errors} {
			if q == "" {
				continue
			}
			qualityTotal++
			if q == ScorePass {
				qualityPass++
			}
		}
		if v.Tests.EdgeCases != "" {
			edgeTotal++
			if v.Tests.EdgeCases == ScorePass {
				edgePass++
			}
		}
	}
	if criteriaTotal > 0 {
		m.FunctionalPassRate = float64(criteriaPass) / float64(criteriaTotal)
	}
	if qualityTotal > 0 {
		m.QualityPassRate = float64(qualityPass) / float64(qualityTotal)
	}
	if edgeTotal > 0 {
		m.TestEdgeCaseRate = float64(edgePass) / float64(edgeTotal)
	}
	return m
}

// PlanningMetrics summarize the decomposition itself.
type PlanningMetrics struct {
	TaskCount        int     `json:"task_count"`
	SteelThreadCount int     `json:"steel_thread_count"`
	PhaseCount       int     `json:"phase_count"`
	AverageFanIn     float64 `json:"average_fan_in"`
	MaxDependencies  int     `json:"max_dependencies"`
}

// PlanningMetrics computes decomposition aggregates.
func (s *State) PlanningMetrics() PlanningMetrics {
	pm := PlanningMetrics{TaskCount: len(s.Tasks)}
	phases := make(map[int]bool)
	totalDeps := 0
	for _, t := range s.Tasks {
		if t.SteelThread {
			pm.SteelThreadCount++
		}
		phases[t.Phase] = true
		totalDeps += len(t.DependsOn)
		if len(t.DependsOn) > pm.MaxDependencies {
			pm.MaxDependencies = len(t.DependsOn)
		}
	}
	pm.PhaseCount = len(phases)
	if len(s.Tasks) > 0 {
		pm.AverageFanIn = float64(totalDeps) / float64(len(s.Tasks))
	}
	return pm
}
