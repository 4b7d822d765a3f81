// Package orcherr defines the error kinds and codes the orchard client
// surfaces to callers, grounded in the engine's own vocabulary.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is the broad family an error belongs to.
type Kind string

const (
	KindTransport     Kind = "TRANSPORT"
	KindSerialization Kind = "SERIALIZATION"
	KindFormatter     Kind = "FORMATTER"
	KindMultimodal    Kind = "MULTIMODAL"
	KindModel         Kind = "MODEL"
	KindLease         Kind = "LEASE"
	KindClient        Kind = "CLIENT"
)

// Code is the specific condition within a Kind.
type Code string

const (
	// TRANSPORT
	CodeTimeout Code = "TIMEOUT"

	// SERIALIZATION
	CodeNoPrompts              Code = "NO_PROMPTS"
	CodeMetadataTooLarge       Code = "METADATA_TOO_LARGE"
	CodeUnsupportedSegmentType Code = "UNSUPPORTED_SEGMENT_TYPE"
	CodeLayoutMismatch         Code = "LAYOUT_MISMATCH"

	// FORMATTER
	CodeConfigNotFound   Code = "CONFIG_NOT_FOUND"
	CodeInvalidConfig    Code = "INVALID_CONFIG"
	CodeProfileNotFound  Code = "PROFILE_NOT_FOUND"
	CodeTemplateNotFound Code = "TEMPLATE_NOT_FOUND"

	// MULTIMODAL
	CodeInvalidDataURL           Code = "INVALID_DATA_URL"
	CodeInvalidBase64            Code = "INVALID_BASE64"
	CodeInvalidContentType       Code = "INVALID_CONTENT_TYPE"
	CodeMissingType              Code = "MISSING_TYPE"
	CodeMissingText              Code = "MISSING_TEXT"
	CodeMissingImageURL          Code = "MISSING_IMAGE_URL"
	CodeMissingCapabilityName    Code = "MISSING_CAPABILITY_NAME"
	CodeMissingCapabilityData    Code = "MISSING_CAPABILITY_DATA"
	CodeUnsupportedContentType   Code = "UNSUPPORTED_CONTENT_TYPE"
	CodeEmptyPrompt              Code = "EMPTY_PROMPT"
	CodePlaceholderMismatch      Code = "PLACEHOLDER_MISMATCH"
	CodeCoordPlaceholderMismatch Code = "COORD_PLACEHOLDER_MISMATCH"

	// MODEL
	CodeEmptyIdentifier     Code = "EMPTY_IDENTIFIER"
	CodeNotFound            Code = "NOT_FOUND"
	CodeMissingConfig       Code = "MISSING_CONFIG"
	CodeLoadFailed          Code = "LOAD_FAILED"
	CodeLoadRejected        Code = "LOAD_REJECTED"
	CodeActivationFailed    Code = "ACTIVATION_FAILED"
	CodeDownloadUnsupported Code = "DOWNLOAD_UNSUPPORTED"

	// LEASE
	CodeStartupTimeout Code = "STARTUP_TIMEOUT"
	CodeStartupFailed  Code = "STARTUP_FAILED"
	CodeShutdownFailed Code = "SHUTDOWN_FAILED"
	CodeLockTimeout    Code = "LOCK_TIMEOUT"

	// CLIENT
	CodeNoModelSpecified Code = "NO_MODEL_SPECIFIED"
	CodeNotInitialized   Code = "NOT_INITIALIZED"
	CodeClosed           Code = "CLOSED"
)

// Error is the single error type the orchard client returns. Every error
// carries a Kind/Code pair, a human-readable Message, the offending
// Identifier when one applies (a model id, a request id as text), and an
// optional underlying Cause.
type Error struct {
	Kind       Kind
	Code       Code
	Identifier string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Code != "" {
		prefix += "." + string(e.Code)
	}
	if e.Identifier != "" {
		prefix += fmt.Sprintf(" (%s)", e.Identifier)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind and Code,
// or a matching Code when Kind is the zero value on target.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

func newErr(kind Kind, code Code, identifier, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Identifier: identifier, Message: message, Cause: cause}
}

// NewTransport wraps a transport-layer failure (dial/send/receive).
func NewTransport(message string, cause error) *Error {
	return newErr(KindTransport, "", "", message, cause)
}

// NewTimeout builds the distinguished TRANSPORT.TIMEOUT sub-kind for a
// named operation ("dial", "receive", "management-call", "file-lock").
func NewTimeout(operation string) *Error {
	return newErr(KindTransport, CodeTimeout, "", "timed out: "+operation, nil)
}

// NewSerialization wraps a wire-serializer failure.
func NewSerialization(code Code, message string) *Error {
	return newErr(KindSerialization, code, "", message, nil)
}

// NewFormatter wraps a chat-formatter/profile-parsing failure.
func NewFormatter(code Code, identifier, message string) *Error {
	return newErr(KindFormatter, code, identifier, message, nil)
}

// NewMultimodal wraps a multimodal-content decoding/layout failure.
func NewMultimodal(code Code, message string) *Error {
	return newErr(KindMultimodal, code, "", message, nil)
}

// NewModel wraps a model-registry failure; identifier is the offending
// model id.
func NewModel(code Code, identifier, message string) *Error {
	return newErr(KindModel, code, identifier, message, nil)
}

// NewLease wraps an engine-lease failure.
func NewLease(code Code, message string, cause error) *Error {
	return newErr(KindLease, code, "", message, cause)
}

// NewClient wraps a client-facade usage failure.
func NewClient(code Code, message string) *Error {
	return newErr(KindClient, code, "", message, nil)
}

// IsTimeout reports whether err is (or wraps) a TRANSPORT.TIMEOUT error.
func IsTimeout(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindTransport && e.Code == CodeTimeout
}

// IsKind reports whether err is (or wraps) an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsCode reports whether err is (or wraps) an *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
