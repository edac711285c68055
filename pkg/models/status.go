package models

// ExecutionStatus is the lifecycle state shared by flow and block executions.
//
// Flows finish successfully as "completed" and blocks as "complete". Both
// spellings are terminal-success and are handled by the same predicates.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed" // flow-level success
	ExecutionStatusComplete  ExecutionStatus = "complete"  // block-level success
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusComplete, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether s is a terminal-success state.
func (s ExecutionStatus) IsSuccess() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusComplete
}

// IsValid reports whether s is one of the known statuses.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusComplete, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, from := range AllowedSources(next) {
		if from == s {
			return true
		}
	}

	return false
}

// AllowedSources lists the states that may move into next. Stores use it to
// build conditional updates.
func AllowedSources(next ExecutionStatus) []ExecutionStatus {
	switch next {
	case ExecutionStatusRunning:
		return []ExecutionStatus{ExecutionStatusPending}
	case ExecutionStatusCompleted, ExecutionStatusComplete, ExecutionStatusFailed:
		return []ExecutionStatus{ExecutionStatusRunning}
	case ExecutionStatusCancelled:
		return []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning}
	default:
		return nil
	}
}

// SuccessStatus returns the terminal-success spelling for the given level.
func SuccessStatus(level ExecutionLevel) ExecutionStatus {
	if level == ExecutionLevelBlock {
		return ExecutionStatusComplete
	}

	return ExecutionStatusCompleted
}

// ExecutionLevel distinguishes flow executions from block executions.
type ExecutionLevel string

const (
	ExecutionLevelFlow  ExecutionLevel = "flow"
	ExecutionLevelBlock ExecutionLevel = "block"
)
