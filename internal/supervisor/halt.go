package supervisor

import (
	"os"
	"path/filepath"

	"github.com/taskerdev/tasker/internal/state"
	"github.com/taskerdev/tasker/internal/storage"
)

// StopFileName is the sentinel file whose presence requests a halt.
const StopFileName = "STOP"

// StopFilePresent reports whether the sentinel exists in dir.
func StopFilePresent(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, StopFileName))
	return err == nil
}

// RemoveStopFile deletes the sentinel if present.
func RemoveStopFile(dir string) error {
	err := os.Remove(filepath.Join(dir, StopFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SyncHalt folds the sentinel file into the state halt flag and reports
// whether a halt is in effect. The sentinel and the flag are equivalent
// triggers; the flag is authoritative once set.
func SyncHalt(store *storage.Store, dir string) (halted bool, reason string, err error) {
	err = store.WithLock(func(st *state.State) error {
		if StopFilePresent(dir) && !st.HaltRequested() {
			st.RequestHalt("stop sentinel present", "sentinel")
		}
		halted = st.HaltRequested()
		if halted {
			reason = st.Halt.Reason
		}
		return nil
	})
	return halted, reason, err
}

// Resume clears both halt triggers so the supervisor can run again.
func Resume(store *storage.Store, dir string) error {
	if err := RemoveStopFile(dir); err != nil {
		return err
	}
	return store.WithLock(func(st *state.State) error {
		st.ClearHalt()
		return nil
	})
}
