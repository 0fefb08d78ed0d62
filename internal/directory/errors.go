package directory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorKind classifies failures so callers can decide whether a request
// fails as a whole or per subtree.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindBackend    ErrorKind = "backend"
	KindCapacity   ErrorKind = "capacity"
	KindConflict   ErrorKind = "conflict"
	KindPermission ErrorKind = "permission"
)

// ErrSizeLimitExceeded stops a search once the response holds SizeLimit
// records. It is reported as a result code, not as a failure.
var ErrSizeLimitExceeded = &Error{
	Op:      "search",
	Kind:    KindValidation,
	Code:    ldap.LDAPResultSizeLimitExceeded,
	Message: "size limit exceeded",
}

// Error is the error type returned by every vdir layer.
type Error struct {
	Op      string    // operation that failed
	Kind    ErrorKind // failure class
	Code    uint16    // LDAP result code
	DN      string    // DN involved, if any
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("%s failed (code %d)", e.Op, e.Code))
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// NewError creates an Error.
func NewError(op string, kind ErrorKind, code uint16, dn, message string) *Error {
	return &Error{Op: op, Kind: kind, Code: code, DN: dn, Message: message}
}

// NoSuchObject reports a DN that no entry or record answers for.
func NoSuchObject(op, dn string) *Error {
	return NewError(op, KindNotFound, ldap.LDAPResultNoSuchObject, dn, "no such object")
}

// ObjectClassViolation reports an add whose object classes do not fit the
// target entry.
func ObjectClassViolation(dn string, requested []string) *Error {
	return NewError("add", KindValidation, ldap.LDAPResultObjectClassViolation, dn,
		fmt.Sprintf("object classes %v not allowed here", requested))
}

// UnwillingToPerform reports an operation a backend does not support.
func UnwillingToPerform(op, dn, message string) *Error {
	return NewError(op, KindValidation, ldap.LDAPResultUnwillingToPerform, dn, message)
}

// CapacityExceeded reports an exhausted resource.
func CapacityExceeded(op, message string) *Error {
	return NewError(op, KindCapacity, ldap.LDAPResultBusy, "", message)
}

// BackendError wraps a failure reported by a backend. Result codes from
// go-ldap errors are kept; not-found and conflict codes keep their kind.
func BackendError(op, dn string, err error) error {
	if err == nil {
		return nil
	}

	var dirErr *Error
	if errors.As(err, &dirErr) {
		return err
	}

	e := &Error{Op: op, Kind: KindBackend, Code: ldap.LDAPResultOther, DN: dn, Cause: err}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		e.Code = ldapErr.ResultCode
		switch ldapErr.ResultCode {
		case ldap.LDAPResultNoSuchObject:
			e.Kind = KindNotFound
		case ldap.LDAPResultEntryAlreadyExists:
			e.Kind = KindConflict
		case ldap.LDAPResultInvalidCredentials, ldap.LDAPResultInsufficientAccessRights:
			e.Kind = KindPermission
		}
	}

	return e
}

// KindOf returns the kind of err. Unknown errors are backend failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}

// ResultCode maps err to an LDAP result code.
func ResultCode(err error) uint16 {
	if err == nil {
		return ldap.LDAPResultSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode
	}
	return ldap.LDAPResultOther
}

// IsNotFound checks if an error indicates a "not found" condition.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsValidation checks if an error was caused by the request itself.
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

// IsCapacity checks if an error indicates an exhausted resource.
func IsCapacity(err error) bool {
	return err != nil && KindOf(err) == KindCapacity
}

// IsConflict checks if an error indicates the object already exists.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}
