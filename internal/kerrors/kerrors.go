// Package kerrors defines the error taxonomy shared across the ingest and
// automation pipeline. Handlers convert every failure into one of these
// kinds at the boundary so callers can decide policy (drop, retry, audit
// severity) without inspecting error strings.
package kerrors

import "errors"

// Kind identifies a class of error with a fixed handling policy.
type Kind string

const (
	// KindValidation covers malformed or incomplete payloads.
	KindValidation Kind = "validation_error"
	// KindTopicParse covers malformed MQTT topics.
	KindTopicParse Kind = "topic_parse_error"
	// KindUnknownDevice covers messages from unregistered devices.
	KindUnknownDevice Kind = "unknown_device"
	// KindProcessorMissing covers sensor types with no registered processor.
	KindProcessorMissing Kind = "processor_missing"
	// KindProcessorFailure covers a processor that errored during Process.
	KindProcessorFailure Kind = "processor_failure"
	// KindDBUnavailable covers a repository call blocked by an open breaker.
	KindDBUnavailable Kind = "db_unavailable"
	// KindMQTTPublishFailure covers a transient publish failure.
	KindMQTTPublishFailure Kind = "mqtt_publish_failure"
	// KindConflictBlocked covers an actuator resource held by another rule.
	KindConflictBlocked Kind = "conflict_blocked"
	// KindSafetyPreempted covers a safety-critical rule preempting a holder.
	KindSafetyPreempted Kind = "safety_preempted"
	// KindRateLimitExceeded covers any of the three rate-limit tiers.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	// KindTimeout covers an action, query, or publish exceeding its deadline.
	KindTimeout Kind = "timeout_error"
	// KindConfiguration covers invalid startup configuration. The only
	// kind that is fatal to the process.
	KindConfiguration Kind = "configuration_error"
	// KindNotFound covers a lookup against an entity that does not exist.
	KindNotFound Kind = "not_found"
)

// Error wraps an underlying cause with a Kind so call sites can branch on
// classification while %w-unwrapping still reaches the original error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kind-tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a kind, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err is nil or not tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is tagged with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
