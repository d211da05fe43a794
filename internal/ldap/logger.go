package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems and the environment variables controlling their levels.
const (
	subsystemLDAP     = "ldap"
	subsystemPool     = "pool"
	subsystemKerberos = "kerberos"

	envLogLDAP     = "LDAPWRAP_LOG_LDAP"
	envLogPool     = "LDAPWRAP_LOG_POOL"
	envLogKerberos = "LDAPWRAP_LOG_KERBEROS"
)

// NewLogContext registers the package's logging subsystems on ctx. The
// context must already carry a root logger; without one logging is a no-op.
func NewLogContext(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, subsystemLDAP, tflog.WithLevelFromEnv(envLogLDAP))
	ctx = tflog.NewSubsystem(ctx, subsystemPool, tflog.WithLevelFromEnv(envLogPool))
	ctx = tflog.NewSubsystem(ctx, subsystemKerberos, tflog.WithLevelFromEnv(envLogKerberos))
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", SanitizeFields(fields))

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		fields["error_kind"] = string(KindOf(err))
		tflog.SubsystemError(ctx, subsystem, "Operation failed", SanitizeFields(fields))
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", SanitizeFields(fields))
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.Class.Code
		fields["ldap_result_name"] = ldapErr.Class.Name
		fields["error_kind"] = string(ldapErr.Class.Kind)
		fields["retryable"] = ldapErr.Retryable
		if ldapErr.DN != "" {
			fields["ldap_matched_dn"] = ldapErr.DN
		}
		if ldapErr.ServerMsg != "" {
			fields["ldap_diagnostic_message"] = ldapErr.ServerMsg
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", SanitizeFields(fields))
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_initialized", "authentication_success", "connection_unbound":
		tflog.SubsystemInfo(ctx, subsystemLDAP, "Connection event", SanitizeFields(fields))
	case "connection_failed", "authentication_failed", "unbind_failed":
		tflog.SubsystemError(ctx, subsystemLDAP, "Connection event", SanitizeFields(fields))
	case "duplicate_completion", "late_completion":
		tflog.SubsystemWarn(ctx, subsystemLDAP, "Connection event", SanitizeFields(fields))
	default:
		tflog.SubsystemDebug(ctx, subsystemLDAP, "Connection event", SanitizeFields(fields))
	}
}

// LogKerberosEvent logs Kerberos-specific events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "ticket_acquired", "keytab_loaded":
		tflog.SubsystemInfo(ctx, subsystemKerberos, "Kerberos event", SanitizeFields(fields))
	case "ticket_acquisition_failed", "keytab_load_failed", "config_load_failed", "authentication_failed":
		tflog.SubsystemError(ctx, subsystemKerberos, "Kerberos event", SanitizeFields(fields))
	default:
		tflog.SubsystemDebug(ctx, subsystemKerberos, "Kerberos event", SanitizeFields(fields))
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released":
		tflog.SubsystemDebug(ctx, subsystemPool, "Pool event", SanitizeFields(fields))
	case "pool_exhausted", "connection_failed", "health_check_failed":
		tflog.SubsystemWarn(ctx, subsystemPool, "Pool event", SanitizeFields(fields))
	case "all_connections_failed":
		tflog.SubsystemError(ctx, subsystemPool, "Pool event", SanitizeFields(fields))
	default:
		tflog.SubsystemTrace(ctx, subsystemPool, "Pool event", SanitizeFields(fields))
	}
}

// LogPagedSearchEvent logs the lifecycle of a paged search stream.
func LogPagedSearchEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "page_failed":
		tflog.SubsystemError(ctx, subsystemLDAP, "Paged search event", SanitizeFields(fields))
	case "stream_opened", "stream_exhausted", "stream_closed":
		tflog.SubsystemDebug(ctx, subsystemLDAP, "Paged search event", SanitizeFields(fields))
	default:
		tflog.SubsystemTrace(ctx, subsystemLDAP, "Paged search event", SanitizeFields(fields))
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":     true,
		"passwd":       true,
		"old_password": true,
		"new_password": true,
		"secret":       true,
		"token":        true,
		"key":          true,
		"credential":   true,
		"credentials":  true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
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

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"userpassword=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
