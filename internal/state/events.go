package state

// Event types appended to the state document's event log.
const (
	EventStateInitialized     = "state_initialized"
	EventPhaseAdvanced        = "phase_advanced"
	EventTaskLoaded           = "task_loaded"
	EventTaskStarted          = "task_started"
	EventTaskCompleted        = "task_completed"
	EventTaskFailed           = "task_failed"
	EventTaskRetried          = "task_retried"
	EventTaskReleased         = "task_released"
	EventTaskSkipped          = "task_skipped"
	EventTokensLogged         = "tokens_logged"
	EventHaltRequested        = "halt_requested"
	EventHaltConfirmed        = "halt_confirmed"
	EventExecutionResumed     = "execution_resumed"
	EventCheckpointCreated    = "checkpoint_created"
	EventCheckpointUpdated    = "checkpoint_updated"
	EventCheckpointCompleted  = "checkpoint_completed"
	EventCheckpointCleared    = "checkpoint_cleared"
	EventStateRecovered       = "state_recovered"
	EventVerificationRecorded = "verification_recorded"
)
