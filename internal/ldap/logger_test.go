package ldap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFields(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]any
		expected map[string]any
	}{
		{
			name:     "sensitive keys",
			input:    map[string]any{"password": "secret", "new_password": "n3w", "bind_dn": "cn=admin"},
			expected: map[string]any{"password": "[REDACTED]", "new_password": "[REDACTED]", "bind_dn": "cn=admin"},
		},
		{
			name:     "sensitive patterns in values",
			input:    map[string]any{"filter": "(userPassword=hunter2)", "dn": "cn=alice"},
			expected: map[string]any{"filter": "[REDACTED]", "dn": "cn=alice"},
		},
		{
			name:     "non-string values pass through",
			input:    map[string]any{"page_size": 500, "retryable": true},
			expected: map[string]any{"page_size": 500, "retryable": true},
		},
		{
			name:     "empty",
			input:    map[string]any{},
			expected: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFields(tt.input))
		})
	}
}

func TestLogOperation(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		message   string
		level     string
		errorKind string
	}{
		{
			name:    "success",
			message: "Operation completed successfully",
			level:   "debug",
		},
		{
			name:      "failure",
			err:       NewLDAPError("search", ldap.LDAPResultNoSuchObject, nil),
			message:   "Operation failed",
			level:     "error",
			errorKind: "operational",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := NewLogContext(tflogtest.RootLogger(context.Background(), &buf))

			err := LogOperation(ctx, subsystemLDAP, "search", map[string]any{"base_dn": testBaseDN}, func() error {
				return tt.err
			})
			assert.Equal(t, tt.err, err)

			entries, err := tflogtest.MultilineJSONDecode(&buf)
			require.NoError(t, err)
			require.Len(t, entries, 2)

			assert.Equal(t, "Starting operation", entries[0]["@message"])

			last := entries[1]
			assert.Equal(t, tt.message, last["@message"])
			assert.Equal(t, tt.level, last["@level"])
			assert.Equal(t, "search", last["operation"])
			assert.Equal(t, testBaseDN, last["base_dn"])
			assert.Contains(t, last, "duration_ms")
			if tt.errorKind != "" {
				assert.Equal(t, tt.errorKind, last["error_kind"])
			}
		})
	}
}

func TestLogLDAPError(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewLogContext(tflogtest.RootLogger(context.Background(), &buf))

	cause := &ldap.Error{
		ResultCode: ldap.LDAPResultInvalidCredentials,
		Err:        errors.New("80090308: LdapErr"),
		MatchedDN:  "dc=example,dc=com",
	}
	LogLDAPError(ctx, subsystemPool, "bind", NewLDAPError("bind", ldap.LDAPResultInvalidCredentials, cause), nil)

	entries, err := tflogtest.MultilineJSONDecode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "error", entry["@level"])
	assert.Equal(t, float64(49), entry["ldap_result_code"])
	assert.Equal(t, "invalid_credentials", entry["ldap_result_name"])
	assert.Equal(t, "login", entry["error_kind"])
	assert.Equal(t, "dc=example,dc=com", entry["ldap_matched_dn"])
	assert.Equal(t, "80090308: LdapErr", entry["ldap_diagnostic_message"])
}

func TestLogEventLevels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(ctx context.Context)
		level string
	}{
		{
			name:  "connection initialized",
			log:   func(ctx context.Context) { LogConnectionEvent(ctx, "connection_initialized", nil) },
			level: "info",
		},
		{
			name:  "authentication failed",
			log:   func(ctx context.Context) { LogConnectionEvent(ctx, "authentication_failed", nil) },
			level: "error",
		},
		{
			name:  "late completion",
			log:   func(ctx context.Context) { LogConnectionEvent(ctx, "late_completion", nil) },
			level: "warn",
		},
		{
			name:  "pool exhausted",
			log:   func(ctx context.Context) { LogPoolEvent(ctx, "pool_exhausted", nil) },
			level: "warn",
		},
		{
			name:  "kerberos ticket acquired",
			log:   func(ctx context.Context) { LogKerberosEvent(ctx, "ticket_acquired", nil) },
			level: "info",
		},
		{
			name:  "page failed",
			log:   func(ctx context.Context) { LogPagedSearchEvent(ctx, "page_failed", nil) },
			level: "error",
		},
		{
			name:  "page received",
			log:   func(ctx context.Context) { LogPagedSearchEvent(ctx, "page_received", nil) },
			level: "trace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := NewLogContext(tflogtest.RootLogger(context.Background(), &buf))

			tt.log(ctx)

			entries, err := tflogtest.MultilineJSONDecode(&buf)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0]["@level"])
			assert.NotEmpty(t, entries[0]["event"])
		})
	}
}

func TestLogHelpers_RedactSecrets(t *testing.T) {
	tests := []struct {
		name  string
		log   func(ctx context.Context)
		field string
	}{
		{
			name: "operation error",
			log: func(ctx context.Context) {
				_ = LogOperation(ctx, subsystemLDAP, "bind", nil, func() error {
					return errors.New("rejected request: password=hunter2")
				})
			},
			field: "error",
		},
		{
			name: "server diagnostic message",
			log: func(ctx context.Context) {
				cause := &ldap.Error{
					ResultCode: ldap.LDAPResultConstraintViolation,
					Err:        errors.New("userPassword=hunter2 violates policy"),
				}
				LogLDAPError(ctx, subsystemLDAP, "modify", NewLDAPError("modify", ldap.LDAPResultConstraintViolation, cause), nil)
			},
			field: "ldap_diagnostic_message",
		},
		{
			name: "connection event field",
			log: func(ctx context.Context) {
				LogConnectionEvent(ctx, "authentication_failed", map[string]any{"password": "hunter2"})
			},
			field: "password",
		},
		{
			name: "pool event field",
			log: func(ctx context.Context) {
				LogPoolEvent(ctx, "connection_failed", map[string]any{"credentials": "hunter2"})
			},
			field: "credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := NewLogContext(tflogtest.RootLogger(context.Background(), &buf))

			tt.log(ctx)

			assert.NotContains(t, buf.String(), "hunter2")

			entries, err := tflogtest.MultilineJSONDecode(&buf)
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			assert.Equal(t, "[REDACTED]", entries[len(entries)-1][tt.field])
		})
	}
}

func TestConnectionSearch_RedactsFilter(t *testing.T) {
	var buf bytes.Buffer
	ctx := tflogtest.RootLogger(context.Background(), &buf)

	session := &MockSession{}
	session.On("Search", mock.Anything).Return(ldap.LDAPResultSuccess, &SearchResult{}).Once()

	conn := NewConnection(ctx, testHost, session)
	conn.setState(StateBound)

	_, err := conn.Search(ctx, testBaseDN, "SUBTREE", "(userPassword=hunter2)")
	require.NoError(t, err)
	session.AssertExpectations(t)

	assert.NotContains(t, buf.String(), "hunter2")
}
