package sdboot

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCardUnresponsive is matched by mount failures where the card never
	// reached the expected state within its attempt budget.
	ErrCardUnresponsive = errors.New("card absent or unresponsive")
	// ErrNotMounted is returned by block operations when the session is not ready.
	ErrNotMounted = errors.New("card not mounted")
	// ErrRange is returned when a partial read does not fit inside one sector.
	ErrRange = errors.New("range exceeds sector")
)

// TimeoutError reports a bounded poll that ran out of attempts.
type TimeoutError struct {
	Op     string
	Budget int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %d polls", e.Op, e.Budget)
}

// RejectedError reports a status the card returned explicitly.
type RejectedError struct {
	Op     string
	Status byte
	// Data is set when Status is a data response token rather than an R1 byte.
	Data bool
}

func (e *RejectedError) Error() string {
	desc := GetStatusString(e.Status)
	if e.Data {
		desc = GetDataResponseString(e.Status)
	}
	return fmt.Sprintf("%s rejected: %s (0x%02X)", e.Op, desc, e.Status)
}

// UnresponsiveError is returned by Mount when a state transition exhausted its
// attempts. It matches ErrCardUnresponsive.
type UnresponsiveError struct {
	State    State
	Attempts int
	Last     Response
}

func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("%v in state %v after %d attempts (last response %v)",
		ErrCardUnresponsive, e.State, e.Attempts, e.Last)
}

func (e *UnresponsiveError) Is(target error) bool { return target == ErrCardUnresponsive }

// CommitError reports a program memory page that could not be committed.
// The page at Address is left in an undefined state.
type CommitError struct {
	Address uint32
	Stage   string
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit page %X: %s: %v", e.Address, e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// sectorError ties a failure to the sector being transferred.
type sectorError struct {
	LBA uint32
	Err error
}

func (e *sectorError) Error() string {
	return fmt.Sprintf("sector %d: %v", e.LBA, e.Err)
}

func (e *sectorError) Unwrap() error { return e.Err }

// IsTimeout reports whether err was caused by an exhausted poll budget.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
