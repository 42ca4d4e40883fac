package domain

import (
	"errors"
	"fmt"
)

// TransientFetchError marks a provider failure worth retrying: network
// errors, timeouts, 5xx responses.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure (%s): %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks input the pipeline can never succeed on:
// malformed payloads, out-of-range values, windows beyond the provider
// horizon. Not retried.
type PermanentFetchError struct {
	Reason string
	Err    error
}

func (e *PermanentFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent fetch failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent fetch failure: %s", e.Reason)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// PersistenceConflict signals a concurrent write detected during the atomic
// issue check. The alerting stage is idempotent, so callers retry it.
type PersistenceConflict struct {
	Op  string
	Err error
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("persistence conflict (%s): %v", e.Op, e.Err)
}

func (e *PersistenceConflict) Unwrap() error { return e.Err }

// ConfigurationError marks an invalid rule definition. Raised at load time;
// a rule set containing one never reaches evaluation.
type ConfigurationError struct {
	Rule   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid rule configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is (or wraps) a PermanentFetchError.
func IsPermanent(err error) bool {
	var p *PermanentFetchError
	return errors.As(err, &p)
}

// IsConflict reports whether err is (or wraps) a PersistenceConflict.
func IsConflict(err error) bool {
	var c *PersistenceConflict
	return errors.As(err, &c)
}
