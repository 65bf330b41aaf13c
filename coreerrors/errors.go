// Package coreerrors defines the error taxonomy shared by the scheduler,
// governor, quality and fusion layers. Each class carries a marker so that
// wrapped errors keep their classification across package boundaries:
// configuration errors are fatal and pause the job, rate-limit / quality /
// timeout errors feed the retry path, provider errors stay scoped to a
// single reading.
package coreerrors

import (
	"github.com/cockroachdb/errors"
)

// Re-exported constructors so callers depend on one errors package.
var (
	New    = errors.New
	Newf   = errors.Newf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Is     = errors.Is
	As     = errors.As
	Mark   = errors.Mark
	Join   = errors.Join
	Errorf = errors.Errorf
)

// Class markers. Never returned directly; attach via the constructors below.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrRateLimit     = errors.New("rate limit error")
	ErrProvider      = errors.New("provider error")
	ErrQuality       = errors.New("quality error")
	ErrTimeout       = errors.New("timeout error")
)

// Configurationf builds a fatal configuration error. Jobs failing with this
// class are paused, not retried.
func Configurationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// RateLimitf builds a retryable rate-limit error (admission wait budget
// exhausted or upstream throttling).
func RateLimitf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrRateLimit)
}

// Providerf builds a per-reading provider error. It excludes one reading
// from fusion; the execution only fails when no usable reading survives.
func Providerf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrProvider)
}

// Qualityf builds a retryable quality error (insufficient quality or no
// consensus at fusion time).
func Qualityf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrQuality)
}

// Timeoutf builds a retryable timeout error; in-flight provider calls are
// abandoned, not awaited.
func Timeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrTimeout)
}

// MarkProvider classifies an existing upstream error as a provider error
// without losing its chain.
func MarkProvider(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrProvider)
}

// MarkRateLimit classifies an existing upstream error as a rate-limit error.
func MarkRateLimit(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrRateLimit)
}

func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsRateLimit(err error) bool     { return errors.Is(err, ErrRateLimit) }
func IsProvider(err error) bool      { return errors.Is(err, ErrProvider) }
func IsQuality(err error) bool       { return errors.Is(err, ErrQuality) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }

// Retryable reports whether the scheduler should route the failure through
// its backoff path. Configuration errors are the only non-retryable class;
// unknown errors default to retryable so a transient bug cannot park a job
// forever.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsConfiguration(err)
}

// Classify names the error class for events and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfiguration(err):
		return "configuration"
	case IsRateLimit(err):
		return "rate-limit"
	case IsTimeout(err):
		return "timeout"
	case IsQuality(err):
		return "quality"
	case IsProvider(err):
		return "provider"
	default:
		return "internal"
	}
}
