package state

import (
	"fmt"

	"github.com/izavyalov-dev/delta-report/protocol"
)

type LogLevel string

const (
	LogLevelTrace LogLevel = "TRACE"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// ErrorLevelThreshold is the minimum level analyzers consider.
const ErrorLevelThreshold = 40000

var logLevelCodes = map[LogLevel]int{
	LogLevelTrace: 5000,
	LogLevelDebug: 10000,
	LogLevelInfo:  20000,
	LogLevelWarn:  30000,
	LogLevelError: 40000,
	LogLevelFatal: 50000,
}

// LogLevelCode maps a level name to its numeric code; unknown levels are INFO.
func LogLevelCode(level LogLevel) int {
	if code, ok := logLevelCodes[level]; ok {
		return code
	}
	return logLevelCodes[LogLevelInfo]
}

// TransitionError signals an illegal status change detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStatusError signals a status value outside the reporting vocabulary.
type UnknownStatusError struct {
	Entity string
	Status string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("%s: unknown status %s", e.Entity, e.Status)
}

var finalStatuses = map[protocol.Status]struct{}{
	protocol.StatusPassed:      {},
	protocol.StatusFailed:      {},
	protocol.StatusSkipped:     {},
	protocol.StatusStopped:     {},
	protocol.StatusInterrupted: {},
}

// IsFinal reports whether status closes an execution.
func IsFinal(status protocol.Status) bool {
	_, ok := finalStatuses[status]
	return ok
}

// validateFinish allows only IN_PROGRESS executions to be closed.
func validateFinish(entity, id string, from, to protocol.Status) error {
	if !IsFinal(to) {
		return UnknownStatusError{Entity: entity, Status: string(to)}
	}
	if from != protocol.StatusInProgress {
		return TransitionError{Entity: entity, ID: id, From: string(from), To: string(to)}
	}
	return nil
}
