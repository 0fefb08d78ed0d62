// Package logging configures the tflog subsystems used across vdir and
// provides small helpers for consistent structured log output.
package logging

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// Subsystem names. Each level is read from VDIR_LOG_<NAME>.
const (
	SubsystemLDAP       = "ldap"
	SubsystemSession    = "session"
	SubsystemHandler    = "handler"
	SubsystemSync       = "sync"
	SubsystemScheduler  = "scheduler"
	SubsystemConnection = "connection"
	SubsystemManagement = "management"
)

// Subsystems lists every subsystem registered by Initialize.
var Subsystems = []string{
	SubsystemLDAP,
	SubsystemSession,
	SubsystemHandler,
	SubsystemSync,
	SubsystemScheduler,
	SubsystemConnection,
	SubsystemManagement,
}

// NewRootContext installs the root logger. The level comes from VDIR_LOG
// unless level is non-empty.
func NewRootContext(ctx context.Context, level string) context.Context {
	if level != "" {
		ctx = tfsdklog.NewRootProviderLogger(ctx,
			tfsdklog.WithLogName("vdir"),
			tfsdklog.WithLevel(hclog.LevelFromString(level)),
			tfsdklog.WithoutLocation(),
		)
		return Initialize(ctx)
	}
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("vdir"),
		tfsdklog.WithLevelFromEnv("VDIR_LOG"),
		tfsdklog.WithoutLocation(),
	)
	return Initialize(ctx)
}

// Initialize registers all vdir subsystems on ctx.
func Initialize(ctx context.Context) context.Context {
	for _, name := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv("VDIR_LOG", strings.ToUpper(name)))
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	logFields := make(map[string]any, len(fields)+3)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", logFields)

	err := fn()

	logFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		logFields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", logFields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", logFields)
	}

	return err
}

// LogPerformance logs performance metrics for an operation.
func LogPerformance(ctx context.Context, subsystem, operation string, duration time.Duration, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+2)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["duration_ms"] = duration.Milliseconds()

	switch {
	case duration > 5*time.Second:
		tflog.SubsystemWarn(ctx, subsystem, "Slow operation detected", logFields)
	case duration > time.Second:
		tflog.SubsystemInfo(ctx, subsystem, "Operation performance", logFields)
	default:
		tflog.SubsystemDebug(ctx, subsystem, "Operation performance", logFields)
	}
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+5)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		logFields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			logFields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			logFields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", logFields)
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":     true,
		"passwd":       true,
		"secret":       true,
		"token":        true,
		"key":          true,
		"private_key":  true,
		"credential":   true,
		"credentials":  true,
		"userpassword": true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
