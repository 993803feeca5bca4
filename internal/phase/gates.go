package phase

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/taskerdev/tasker/internal/artifact"
	"github.com/taskerdev/tasker/internal/config"
	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/task"
)

// PlanningGates evaluates the three planning gates that guard entry into
// the validation phase: spec coverage, phase leakage, and
// acceptance-criterion quality. The first failing gate is reported.
func PlanningGates(st *state.State, dir string, gates config.GateConfig) *GateResult {
	result := &GateResult{}

	defs, err := task.LoadAll(dir)
	if err != nil {
		result.FailedGate = "task_definitions"
		result.Detail = err.Error()
		return result
	}

	capMap, err := artifact.LoadCapabilityMap(dir)
	if err != nil {
		result.FailedGate = "spec_coverage"
		result.Detail = err.Error()
		return result
	}

	if gr := specCoverage(defs, capMap, gates); gr != nil {
		return gr
	}
	if gr := phaseLeakage(defs, gates); gr != nil {
		return gr
	}
	if gr := criterionQuality(defs, gates); gr != nil {
		return gr
	}

	result.Passed = true
	return result
}

// specCoverage requires the fraction of capability-map behaviors referenced
// by at least one task to meet the configured thresholds (steel-thread
// behaviors have their own, stricter threshold).
func specCoverage(defs []*task.Definition, capMap *artifact.CapabilityMap, gates config.GateConfig) *GateResult {
	covered := make(map[string]bool)
	for _, d := range defs {
		for _, b := range d.Behaviors {
			covered[b] = true
		}
	}

	var steelTotal, steelCovered, otherTotal, otherCovered int
	var uncovered []string
	for _, b := range capMap.Behaviors() {
		if b.SteelThread {
			steelTotal++
			if covered[b.ID] {
				steelCovered++
			} else {
				uncovered = append(uncovered, b.ID)
			}
		} else {
			otherTotal++
			if covered[b.ID] {
				otherCovered++
			} else {
				uncovered = append(uncovered, b.ID)
			}
		}
	}
	sort.Strings(uncovered)

	fraction := func(covered, total int) float64 {
		if total == 0 {
			return 1
		}
		return float64(covered) / float64(total)
	}

	steelFrac := fraction(steelCovered, steelTotal)
	otherFrac := fraction(otherCovered, otherTotal)
	if steelFrac < gates.SteelThreadCoverage || otherFrac < gates.Coverage {
		return &GateResult{
			FailedGate:   "spec_coverage",
			OffendingIDs: uncovered,
			Detail: fmt.Sprintf("steel=%.2f (need %.2f) other=%.2f (need %.2f)",
				steelFrac, gates.SteelThreadCoverage, otherFrac, gates.Coverage),
		}
	}
	return nil
}

// phaseLeakage rejects tasks whose name or acceptance-criteria text
// mentions keywords configured for a later phase. The keyword map is
// keyed by phase number rendered as a decimal string.
func phaseLeakage(defs []*task.Definition, gates config.GateConfig) *GateResult {
	if len(gates.LeakageKeywords) == 0 {
		return nil
	}

	var offenders []string
	for _, d := range defs {
		text := strings.ToLower(d.Name)
		for _, c := range d.AcceptanceCriteria {
			text += " " + strings.ToLower(c.Criterion)
		}
		for phaseKey, keywords := range gates.LeakageKeywords {
			keywordPhase, err := strconv.Atoi(phaseKey)
			if err != nil || keywordPhase <= d.Phase {
				continue
			}
			for _, kw := range keywords {
				if strings.Contains(text, strings.ToLower(kw)) {
					offenders = append(offenders, d.ID)
				}
			}
		}
	}
	if len(offenders) > 0 {
		sort.Strings(offenders)
		offenders = dedupe(offenders)
		return &GateResult{
			FailedGate:   "phase_leakage",
			OffendingIDs: offenders,
			Detail:       "tasks reference future-phase keywords",
		}
	}
	return nil
}

// criterionQuality requires every task to carry at least one criterion,
// with non-trivial text and a verification command using a recognized
// executable prefix.
func criterionQuality(defs []*task.Definition, gates config.GateConfig) *GateResult {
	var offenders []string
	for _, d := range defs {
		if len(d.AcceptanceCriteria) == 0 {
			offenders = append(offenders, d.ID)
			continue
		}
		for _, c := range d.AcceptanceCriteria {
			if len(strings.TrimSpace(c.Criterion)) < 10 ||
				!recognizedVerification(c.Verification, gates.VerificationPrefixes) {
				offenders = append(offenders, d.ID)
				break
			}
		}
	}
	if len(offenders) > 0 {
		sort.Strings(offenders)
		return &GateResult{
			FailedGate:   "criterion_quality",
			OffendingIDs: offenders,
			Detail:       "criteria too short or verification command unrecognized",
		}
	}
	return nil
}

func recognizedVerification(cmd string, prefixes []string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) {
			return true
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
