// Package samerr defines the sentinel error kinds surfaced by the service
// and storage layers (spec §7). The HTTP status each kind maps to is chosen
// by internal/httpapi's writeError.
package samerr

import "errors"

// Kind is a stable, comparable error kind. Wrapping with github.com/pkg/errors
// at store/service boundaries preserves the ability to match with errors.Is
// while keeping a call-site stack trace.
type Kind string

const (
	KindAuthMalformed         Kind = "auth_malformed"
	KindUnauthorized          Kind = "unauthorized"
	KindPrimaryDeviceProtected Kind = "primary_device_protected"
	KindLinkExpired           Kind = "link_expired"
	KindWrongSignature        Kind = "wrong_signature"
	KindLinkTokenReused       Kind = "link_token_reused"
	KindAccountNotFound       Kind = "account_not_found"
	KindDeviceNotFound        Kind = "device_not_found"
	KindEnvelopeMissing       Kind = "envelope_missing"
	KindAccountExists         Kind = "account_exists"
	KindDeviceExists          Kind = "device_exists"
	KindKeyVerificationFailed Kind = "key_verification_failed"
	KindNoSignedKey           Kind = "no_signed_key"
	KindNoPqKey               Kind = "no_pq_key"
	KindSessionConflict       Kind = "session_conflict"
	KindProtocolError         Kind = "protocol_error"
	KindStoreFailure          Kind = "store_failure"
	KindUnknownRecipient      Kind = "unknown_recipient"
)

// Error is a typed sentinel carrying a Kind plus a human-readable message.
// Two Errors with the same Kind compare equal under errors.Is.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is makes errors.Is(err, New(k, "")) match any Error with the same Kind,
// regardless of Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a sentinel Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Of returns the Kind carried by err, or "" if err does not wrap a *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's kind matches k.
func Is(err error, k Kind) bool {
	return Of(err) == k
}

var (
	ErrAuthMalformed          = New(KindAuthMalformed, "malformed credentials")
	ErrUnauthorized           = New(KindUnauthorized, "unauthorized")
	ErrPrimaryDeviceProtected = New(KindPrimaryDeviceProtected, "primary device can only be removed by account deletion")
	ErrLinkExpired            = New(KindLinkExpired, "link token expired")
	ErrWrongSignature         = New(KindWrongSignature, "signature verification failed")
	ErrLinkTokenReused        = New(KindLinkTokenReused, "link token already used")
	ErrAccountNotFound        = New(KindAccountNotFound, "account not found")
	ErrDeviceNotFound         = New(KindDeviceNotFound, "device not found")
	ErrEnvelopeMissing        = New(KindEnvelopeMissing, "envelope not found")
	ErrAccountExists          = New(KindAccountExists, "account already exists")
	ErrDeviceExists           = New(KindDeviceExists, "device already exists")
	ErrKeyVerificationFailed  = New(KindKeyVerificationFailed, "key signature verification failed")
	ErrNoSignedKey            = New(KindNoSignedKey, "no signed pre-key published")
	ErrNoPqKey                = New(KindNoPqKey, "no pq pre-key available")
	ErrSessionConflict        = New(KindSessionConflict, "device already has an active session")
	ErrProtocolError          = New(KindProtocolError, "protocol error")
	ErrUnknownRecipient       = New(KindUnknownRecipient, "unknown recipient device")
)
