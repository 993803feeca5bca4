package state

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// RecoveryReport describes what a corruption recovery managed to salvage.
type RecoveryReport struct {
	BackupPath      string   `json:"backup_path"`
	DataLost        []string `json:"data_lost"`
	RecoveredTasks  int      `json:"recovered_tasks"`
	SeededFromFiles bool     `json:"seeded_from_files"`
}

// Recover builds a best-effort state from an unparseable document.
//
// Valid fields are extracted with a partial JSON parse; tasks that cannot
// be recovered from the document are reseeded from seedTasks (loaded from
// the task-definition files on disk). Counters are recomputed from the
// recovered statuses and a state_recovered event is appended.
func Recover(raw []byte, targetDir string, seedTasks []*Task) (*State, *RecoveryReport) {
	report := &RecoveryReport{}
	s := &State{
		SchemaVersion: SchemaVersion,
		TargetDir:     targetDir,
		Phase:         PhaseInfo{Current: PhaseIngestion},
		Tasks:         make(map[string]*Task),
	}

	lost := func(field string) {
		report.DataLost = append(report.DataLost, field)
	}

	if v := gjson.GetBytes(raw, "schema_version"); v.Exists() && v.String() != "" {
		s.SchemaVersion = v.String()
	} else {
		lost("schema_version")
	}

	if v := gjson.GetBytes(raw, "target_dir"); v.Exists() && v.String() != "" {
		s.TargetDir = v.String()
	} else if targetDir == "" {
		lost("target_dir")
	}

	if v := gjson.GetBytes(raw, "phase.current"); v.Exists() && validPhase(Phase(v.String())) {
		s.Phase.Current = Phase(v.String())
	} else {
		lost("phase.current")
	}
	if v := gjson.GetBytes(raw, "phase.completed"); v.IsArray() {
		for _, p := range v.Array() {
			if validPhase(Phase(p.String())) {
				s.Phase.Completed = append(s.Phase.Completed, Phase(p.String()))
			}
		}
	}

	// Per-task recovery: any task whose JSON sub-document still parses is
	// kept verbatim.
	tasks := gjson.GetBytes(raw, "tasks")
	if tasks.IsObject() {
		tasks.ForEach(func(key, value gjson.Result) bool {
			var t Task
			if err := json.Unmarshal([]byte(value.Raw), &t); err == nil && t.ID != "" {
				s.Tasks[t.ID] = &t
				report.RecoveredTasks++
			} else {
				lost(fmt.Sprintf("tasks.%s", key.String()))
			}
			return true
		})
	}
	if len(s.Tasks) == 0 && len(seedTasks) > 0 {
		lost("tasks")
		for _, t := range seedTasks {
			seeded := *t
			seeded.Status = StatusPending
			s.Tasks[seeded.ID] = &seeded
		}
		report.SeededFromFiles = true
	}

	// The event log and checkpoint are not salvaged piecemeal: a partially
	// recovered log would violate the append-only contract.
	if gjson.GetBytes(raw, "events").Exists() {
		lost("events")
	}
	if gjson.GetBytes(raw, "checkpoint").Exists() {
		lost("checkpoint")
		// Recovered running tasks have no checkpoint backing them anymore.
		for _, t := range s.Tasks {
			if t.Status == StatusRunning {
				t.Status = StatusPending
			}
		}
	}

	if v := gjson.GetBytes(raw, "execution.total_tokens"); v.Exists() {
		s.Execution.TotalTokens = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "execution.total_cost"); v.Exists() {
		s.Execution.TotalCost = v.Float()
	}

	s.RecomputeCounters()
	s.RecordRecovery(report.DataLost)
	return s, report
}

func validPhase(p Phase) bool {
	for _, known := range PhaseOrder() {
		if known == p {
			return true
		}
	}
	return false
}
