package executor

import (
	"errors"
	"fmt"
	"strings"
)

// DeniedMessage is the error text of a call the user disapproved.
const DeniedMessage = "Tool execution disapproved by user"

var ErrUnknownApproval = errors.New("no pending approval with that call id")

// ValidationError lists why arguments do not match a tool's input schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ApprovalDenied is returned when a pending call is denied, explicitly or
// by the optional approval timeout.
type ApprovalDenied struct {
	CallID string
	Tool   string
	Reason string
}

func (e *ApprovalDenied) Error() string {
	if e.Reason == "" {
		return DeniedMessage
	}
	return DeniedMessage + ": " + e.Reason
}
