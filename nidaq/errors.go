package nidaq

import "fmt"

// Well-known DAQmx status codes.
const (
	// ErrCodeTimeout is returned when an operation did not complete
	// within its timeout, e.g. an armed trigger that never fired.
	ErrCodeTimeout int32 = -200284

	// ErrCodeAborted is returned when a task was aborted out from
	// under a blocking call.
	ErrCodeAborted int32 = -88710
)

// disconnectCodes are the statuses the driver reports when the device is
// unplugged mid-task.
var disconnectCodes = map[int32]bool{
	-88708:  true,
	-88709:  true,
	-201003: true,
}

// Error is a nonzero DAQmx status.  Extended carries the vendor's
// extended error string when the binding could retrieve one.
type Error struct {
	Code     int32
	Extended string
}

func (e *Error) Error() string {
	if e.Extended != "" {
		return e.Extended
	}
	return fmt.Sprintf("DAQmx error %d", e.Code)
}

// IsDisconnect reports whether the status means the device was unplugged.
func (e *Error) IsDisconnect() bool {
	return disconnectCodes[e.Code]
}
