package backup

import "errors"

var (
	// ErrRemoteUnavailable covers network, auth and timeout failures of the remote store.
	ErrRemoteUnavailable = errors.New("backup: remote unavailable")
	// ErrNotFound means the handle or object does not exist remotely.
	ErrNotFound = errors.New("backup: remote object not found")
	// ErrCorruptEnvelope means a fetched envelope failed to decode or its size did not match.
	ErrCorruptEnvelope = errors.New("backup: corrupt envelope")
	// ErrIO covers local file read and write failures.
	ErrIO = errors.New("backup: local io error")
	// ErrEmptySnapshot is returned instead of shipping an empty local store.
	ErrEmptySnapshot = errors.New("backup: local store is empty")
	// ErrBackupDisabled is returned by manual operations when no remote is usable.
	ErrBackupDisabled = errors.New("backup: remote backup disabled")
)
