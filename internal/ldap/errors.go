package ldap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

// RemoteError is a failed request to a remote directory server. Kind
// uses the directory error classes so callers outside this package never
// look at result codes.
type RemoteError struct {
	Op         string
	DN         string
	Code       uint16 // zero for transport failures
	Kind       directory.ErrorKind
	Transient  bool   // worth retrying on the same or another server
	Diagnostic string // server-provided message
	Cause      error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote %s", e.Op)
	if e.DN != "" {
		fmt.Fprintf(&b, " %q", e.DN)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": %s (code %d)", ldap.LDAPResultCodeMap[e.Code], e.Code)
	}
	switch {
	case e.Diagnostic != "":
		b.WriteString(": " + e.Diagnostic)
	case e.Code == 0 && e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// DirectoryError converts e for the directory layer. The result code is
// kept, transport failures report Unavailable.
func (e *RemoteError) DirectoryError() *directory.Error {
	code := e.Code
	if code == 0 {
		code = ldap.LDAPResultUnavailable
	}
	return directory.NewError(e.Op, e.Kind, code, e.DN, e.Diagnostic).Wrap(e)
}

// wrap classifies err as the outcome of op on dn. Nil stays nil and
// errors already classified pass through.
func wrap(op, dn string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return err
	}

	e := &RemoteError{Op: op, DN: dn, Kind: directory.KindBackend, Cause: err}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode < ldap.ErrorNetwork {
		e.Code = resultErr.ResultCode
		e.Kind = kindOf(resultErr.ResultCode)
		e.Transient = transientCode(resultErr.ResultCode)
		if resultErr.Err != nil {
			e.Diagnostic = resultErr.Err.Error()
		}
		return e
	}

	e.Transient = transientTransport(err)
	if e.Transient {
		e.Kind = directory.KindCapacity
	}
	return e
}

func kindOf(code uint16) directory.ErrorKind {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultInsufficientAccessRights:
		return directory.KindPermission
	case ldap.LDAPResultNoSuchObject:
		return directory.KindNotFound
	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return directory.KindConflict
	case ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultUnwillingToPerform:
		return directory.KindValidation
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultAdminLimitExceeded:
		return directory.KindCapacity
	default:
		return directory.KindBackend
	}
}

func transientCode(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultTimeLimitExceeded:
		return true
	default:
		return false
	}
}

// transientTransport reports network failures: resets, refusals, timeouts
// and connections the server closed.
func transientTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return hasCode(err, ldap.ErrorNetwork)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Transient
	}
	var unreachable *UnreachableError
	if errors.As(err, &unreachable) {
		return true
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode < ldap.ErrorNetwork {
		return transientCode(resultErr.ResultCode)
	}
	return transientTransport(err)
}

// IsInvalidCredentials reports a bind refused for bad credentials.
func IsInvalidCredentials(err error) bool {
	return hasCode(err, ldap.LDAPResultInvalidCredentials)
}

func hasCode(err error, code uint16) bool {
	var resultErr *ldap.Error
	return errors.As(err, &resultErr) && resultErr.ResultCode == code
}

// UnreachableError reports that no configured server accepted a
// connection.
type UnreachableError struct {
	Servers  int
	Attempts int
	Cause    error // last failure
}

func (e *UnreachableError) Error() string {
	msg := fmt.Sprintf("no server reachable (%d servers, %d attempts)", e.Servers, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// ErrRetriesExhausted wraps the last failure of an operation that kept
// failing transiently.
var ErrRetriesExhausted = errors.New("retries exhausted")
