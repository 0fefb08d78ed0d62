package ldap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/vdir/internal/directory"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      uint16
		wantKind      directory.ErrorKind
		wantTransient bool
		wantDiag      string
	}{
		{
			name:     "invalid credentials",
			err:      ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
			wantCode: ldap.LDAPResultInvalidCredentials,
			wantKind: directory.KindPermission,
			wantDiag: "bad password",
		},
		{
			name:     "no such object",
			err:      ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")),
			wantCode: ldap.LDAPResultNoSuchObject,
			wantKind: directory.KindNotFound,
			wantDiag: "missing",
		},
		{
			name:     "already exists",
			err:      fmt.Errorf("add: %w", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists"))),
			wantCode: ldap.LDAPResultEntryAlreadyExists,
			wantKind: directory.KindConflict,
			wantDiag: "exists",
		},
		{
			name:     "schema violation",
			err:      ldap.NewError(ldap.LDAPResultObjectClassViolation, errors.New("missing sn")),
			wantCode: ldap.LDAPResultObjectClassViolation,
			wantKind: directory.KindValidation,
			wantDiag: "missing sn",
		},
		{
			name:          "busy",
			err:           ldap.NewError(ldap.LDAPResultBusy, errors.New("try later")),
			wantCode:      ldap.LDAPResultBusy,
			wantKind:      directory.KindCapacity,
			wantTransient: true,
			wantDiag:      "try later",
		},
		{
			name:     "other result",
			err:      ldap.NewError(ldap.LDAPResultOther, errors.New("?")),
			wantCode: ldap.LDAPResultOther,
			wantKind: directory.KindBackend,
			wantDiag: "?",
		},
		{
			name:          "connection reset",
			err:           fmt.Errorf("read: %w", syscall.ECONNRESET),
			wantKind:      directory.KindCapacity,
			wantTransient: true,
		},
		{
			name:          "network result code",
			err:           ldap.NewError(ldap.ErrorNetwork, io.EOF),
			wantKind:      directory.KindCapacity,
			wantTransient: true,
		},
		{
			name:     "cancelled",
			err:      context.Canceled,
			wantKind: directory.KindBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("op", "cn=x,dc=example,dc=com", tt.err)

			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("wrap() = %T, want *RemoteError", err)
			}
			if remote.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", remote.Code, tt.wantCode)
			}
			if remote.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", remote.Kind, tt.wantKind)
			}
			if remote.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", remote.Transient, tt.wantTransient)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", IsTransient(err), tt.wantTransient)
			}
			if remote.Diagnostic != tt.wantDiag {
				t.Errorf("Diagnostic = %q, want %q", remote.Diagnostic, tt.wantDiag)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("wrap() does not unwrap to %v", tt.err)
			}
		})
	}
}

func TestWrapPassThrough(t *testing.T) {
	if err := wrap("op", "", nil); err != nil {
		t.Errorf("wrap(nil) = %v, want nil", err)
	}

	first := wrap("search", "dc=example", ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")))
	if again := wrap("retry", "", first); again != first {
		t.Errorf("wrap() re-wrapped a classified error: %v", again)
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	tests := []struct {
		err  *RemoteError
		want string
	}{
		{
			err:  &RemoteError{Op: "bind", DN: "cn=x", Code: ldap.LDAPResultInvalidCredentials, Diagnostic: "bad password"},
			want: `remote bind "cn=x": Invalid Credentials (code 49): bad password`,
		},
		{
			err:  &RemoteError{Op: "search", Code: ldap.LDAPResultBusy},
			want: "remote search: Busy (code 51)",
		},
		{
			err:  &RemoteError{Op: "add", DN: "cn=y", Cause: syscall.ECONNREFUSED},
			want: `remote add "cn=y": connection refused`,
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestRemoteErrorDirectoryError(t *testing.T) {
	remote := wrap("delete", "cn=x", ldap.NewError(ldap.LDAPResultNotAllowedOnNonLeaf, errors.New("has children"))).(*RemoteError)
	dirErr := remote.DirectoryError()

	if directory.ResultCode(dirErr) != ldap.LDAPResultNotAllowedOnNonLeaf {
		t.Errorf("ResultCode = %d", directory.ResultCode(dirErr))
	}
	if !directory.IsConflict(dirErr) {
		t.Errorf("KindOf = %v, want conflict", directory.KindOf(dirErr))
	}
	if !errors.Is(dirErr, remote) {
		t.Error("directory error does not wrap the remote error")
	}

	transport := wrap("search", "", syscall.ECONNRESET).(*RemoteError)
	if code := directory.ResultCode(transport.DirectoryError()); code != ldap.LDAPResultUnavailable {
		t.Errorf("transport ResultCode = %d, want unavailable", code)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"broken pipe", syscall.EPIPE, true},
		{"unavailable", ldap.NewError(ldap.LDAPResultUnavailable, errors.New("down")), true},
		{"time limit", ldap.NewError(ldap.LDAPResultTimeLimitExceeded, errors.New("slow")), true},
		{"unreachable", &UnreachableError{Servers: 1, Attempts: 1}, true},
		{"no such object", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")), false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsInvalidCredentials(t *testing.T) {
	bad := ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad"))
	if !IsInvalidCredentials(bad) {
		t.Error("raw result not recognised")
	}
	if !IsInvalidCredentials(wrap("bind", "cn=x", bad)) {
		t.Error("wrapped result not recognised")
	}
	if IsInvalidCredentials(ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("denied"))) {
		t.Error("insufficient access reported as invalid credentials")
	}
	if IsInvalidCredentials(nil) {
		t.Error("nil reported as invalid credentials")
	}
}

func TestUnreachableError(t *testing.T) {
	cause := syscall.ECONNREFUSED
	err := &UnreachableError{Servers: 2, Attempts: 3, Cause: cause}

	if want := "no server reachable (2 servers, 3 attempts): connection refused"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("UnreachableError does not unwrap to its cause")
	}
}
