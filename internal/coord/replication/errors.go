package replication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Operation names used in OpError.
const (
	OpLock     = "lock"
	OpUnlock   = "unlock"
	OpDelete   = "delete"
	OpTransfer = "transfer"
	OpDiscard  = "discard"
	OpStore    = "store"
)

var (
	// ErrLock identifies failed cluster lock operations.
	ErrLock = errors.New("lock failed")
	// ErrUnlock identifies failed cluster unlock operations.
	ErrUnlock = errors.New("unlock failed")
	// ErrDelete identifies failed cluster deletions.
	ErrDelete = errors.New("deletion failed")
	// ErrTransfer identifies failed chunk transfers.
	ErrTransfer = errors.New("transfer failed")
	// ErrDiscard identifies failed discards.
	ErrDiscard = errors.New("discard failed")
	// ErrStore identifies failed stores.
	ErrStore = errors.New("store failed")

	// ErrMemberFailed is wrapped by a ResponseError when at least one member
	// answered with a failure.
	ErrMemberFailed = errors.New("member reported failure")
	// ErrResponseTimeout is wrapped by a ResponseError when members did not
	// answer within the response timeout.
	ErrResponseTimeout = errors.New("timed out waiting for responses")
	// ErrBarrierUsed is returned when Await is called twice on one barrier.
	ErrBarrierUsed = errors.New("barrier already used")

	// ErrAlreadyLocked is returned when a path is locked twice locally.
	ErrAlreadyLocked = errors.New("path already locked locally")
	// ErrNotLocked is recorded when data arrives for a path without a stage.
	ErrNotLocked = errors.New("path not locked locally")
	// ErrNotOwner is returned when a node other than the lock holder sends
	// data for a staged path.
	ErrNotOwner = errors.New("path locked by another node")
)

var opKinds = map[string]error{
	OpLock:     ErrLock,
	OpUnlock:   ErrUnlock,
	OpDelete:   ErrDelete,
	OpTransfer: ErrTransfer,
	OpDiscard:  ErrDiscard,
	OpStore:    ErrStore,
}

// OpError is returned by cluster operations. Err is the underlying cause and
// may be nil, e.g. when a lock could not be acquired before its timeout.
type OpError struct {
	Op   string
	Path syncpath.SyncPath
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, opKinds[e.Op])
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches the sentinel of the operation kind, so errors.Is(err, ErrStore)
// holds for every failed store.
func (e *OpError) Is(target error) bool {
	kind, ok := opKinds[e.Op]
	return ok && target == kind
}

// ResponseError reports a barrier that did not reach unanimous success.
type ResponseError struct {
	Topic string
	Path  syncpath.SyncPath

	// Failure is the first failure text received and FailedNode its sender.
	Failure    string
	FailedNode string
	// Failures counts every failure response, the first one included.
	Failures int
	// Outstanding lists members that never answered (timeout only).
	Outstanding []string

	Err error
}

func (e *ResponseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Topic, e.Path)
	switch {
	case e.Failures > 0:
		fmt.Fprintf(&b, ": %d member(s) failed, first from %s: %s", e.Failures, e.FailedNode, e.Failure)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Outstanding) > 0 {
		fmt.Fprintf(&b, " (no answer from %s)", strings.Join(e.Outstanding, ", "))
	}
	return b.String()
}

func (e *ResponseError) Unwrap() error { return e.Err }
