package verify

import (
	"context"
)

// Calibration summarizes how well recorded verdicts matched reality.
// Score is the fraction of judged verdicts that were correct; verdicts
// without a recorded outcome are excluded from the denominator.
type Calibration struct {
	Total          int     `json:"total"`
	Judged         int     `json:"judged"`
	Correct        int     `json:"correct"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Score          float64 `json:"score"`
}

// Calibrate computes calibration across the whole ledger.
func (l *Ledger) Calibrate(ctx context.Context) (*Calibration, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	c := &Calibration{Total: len(entries)}
	for _, e := range entries {
		switch e.Outcome {
		case OutcomeCorrect:
			c.Correct++
		case OutcomeFalsePositive:
			c.FalsePositives++
		case OutcomeFalseNegative:
			c.FalseNegatives++
		default:
			continue
		}
		c.Judged++
	}
	if c.Judged > 0 {
		c.Score = float64(c.Correct) / float64(c.Judged)
	}
	return c, nil
}
