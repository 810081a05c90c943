package session

import "errors"

var (
	// ErrAuthenticationFailed indicates the ingest credential does not
	// resolve to an account. The caller closes the underlying connection;
	// the credential is presumed invalid for this attempt.
	ErrAuthenticationFailed = errors.New("credential does not resolve to an account")

	// ErrQuotaExceeded indicates the account's streaming allowance is
	// exhausted and the ingest is rejected or terminated.
	ErrQuotaExceeded = errors.New("streaming quota exhausted")

	// ErrViewingQuotaExceeded indicates the viewing allowance is exhausted
	// and the playback attempt is rejected.
	ErrViewingQuotaExceeded = errors.New("viewing quota exhausted")

	// ErrSessionNotFound indicates no active session exists for the
	// credential.
	ErrSessionNotFound = errors.New("no active session for credential")

	// ErrCredentialRequired indicates an event arrived without a usable
	// stream key.
	ErrCredentialRequired = errors.New("stream key is required")
)
