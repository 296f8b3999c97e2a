package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

var (
	ErrRepoNotFound = errors.New("repo not found")
	ErrRepoExists   = errors.New("repo already exists")
	// ErrRepoInactive is returned for writes to a repo whose status is not
	// active.
	ErrRepoInactive = errors.New("repo not active")
	// ErrRepoDeleted is returned for any change to a tombstoned repo.
	ErrRepoDeleted = errors.New("repo deleted")
)

// ValidationError is a problem with the request that the caller can correct.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid request: %s: %v", e.Reason, e.Err)
	}
	return "invalid request: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// StaleHeadError means the account's head moved since the caller read it.
// Retrying against the new head is safe.
type StaleHeadError struct {
	DID      string
	Expected cid.Cid
	Actual   cid.Cid
}

func (e *StaleHeadError) Error() string {
	return fmt.Sprintf("%s: head is %s, expected %s", e.DID, cidString(e.Actual), cidString(e.Expected))
}

// StorageError is a failure to make something durable. Nothing the request
// attempted is visible when it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CorruptChainError reports a commit chain that can't be walked to genesis.
type CorruptChainError struct {
	Cid    cid.Cid
	Reason string
	Err    error
}

func (e *CorruptChainError) Error() string {
	s := fmt.Sprintf("corrupt commit %s: %s", cidString(e.Cid), e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CorruptChainError) Unwrap() error { return e.Err }

func cidString(c cid.Cid) string {
	if !c.Defined() {
		return "<none>"
	}
	return c.String()
}
