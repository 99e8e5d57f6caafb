package rotation

import (
	"errors"
	"fmt"
)

var (
	// ErrInProgress means another rotation holds the lock.
	ErrInProgress = errors.New("key rotation already in progress")

	// ErrSameKey is returned when the old and new keys are identical.
	ErrSameKey = errors.New("old and new keys are the same")

	// ErrVerifyMismatch means a re-encrypted credential did not decrypt to
	// its original value.
	ErrVerifyMismatch = errors.New("re-encrypted credential does not match original")

	// ErrRollbackFailed is joined into the error when a backup could not be
	// restored. The store or config file must then be restored by hand.
	ErrRollbackFailed = errors.New("rollback failed; restore from backup files manually")
)

// Stage names the rotation step that failed.
type Stage string

const (
	StageLock       Stage = "lock"
	StageValidate   Stage = "validate"
	StageRead       Stage = "read"
	StageBackup     Stage = "backup"
	StageDecrypt    Stage = "decrypt"
	StageEncrypt    Stage = "encrypt"
	StageStore      Stage = "store"
	StageVerify     Stage = "verify"
	StagePersistKey Stage = "persist-key"
)

// Error reports a failed rotation.
type Error struct {
	Stage      Stage
	Err        error
	RolledBack bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("key rotation failed at %s: %v", e.Stage, e.Err)
	if e.RolledBack {
		msg += " (all changes rolled back)"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
