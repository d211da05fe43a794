package ldap

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	session := new(MockSession)

	session.On("Initialize", testHost).Return(0, nil).Once()
	session.On("Bind", testBindDN, testPassword).Return(0, nil).Once()
	session.On("Search", mock.MatchedBy(func(req *SearchRequest) bool {
		return req.Scope == ScopeSubtree && req.Filter == "(uid=alice)"
	})).Return(0, &SearchResult{Entries: []*ldap.Entry{
		ldap.NewEntry("uid=alice,dc=example,dc=com", nil),
	}}).Once()
	session.On("Compare", "uid=alice,dc=example,dc=com", "uid", "alice").
		Return(ldap.LDAPResultCompareTrue, nil).Once()
	session.On("Unbind").Return(0, nil).Once()

	conn := NewConnection(ctx, testHost, session)

	_, err := conn.Do(ctx, "initialize")
	require.NoError(t, err)

	_, err = conn.Do(ctx, "bind", testBindDN, testPassword)
	require.NoError(t, err)

	result, err := conn.Do(ctx, "search", testBaseDN, "subtree", "(uid=alice)")
	require.NoError(t, err)
	require.IsType(t, &SearchResult{}, result)
	assert.Len(t, result.(*SearchResult).Entries, 1)

	matched, err := conn.Do(ctx, "compare", "uid=alice,dc=example,dc=com", "uid", "alice")
	require.NoError(t, err)
	assert.Equal(t, true, matched)

	_, err = conn.Do(ctx, "unbind")
	require.NoError(t, err)

	session.AssertExpectations(t)
}

func TestDo_OperationNames(t *testing.T) {
	for _, name := range []string{"pagedSearch", "paged_search", "PAGED-SEARCH", "pagedsearch"} {
		t.Run(name, func(t *testing.T) {
			session := new(MockSession)
			conn := newBoundConnection(t, session)

			stream, err := conn.Do(context.Background(), name, testBaseDN, "SUBTREE", "", float64(100))
			require.NoError(t, err)
			assert.IsType(t, &SearchStream{}, stream)
		})
	}
}

func TestDo_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		bound        bool
		op           string
		args         []any
		wantState    bool
		typeMismatch bool
		message      string
	}{
		{
			name:    "unknown operation",
			bound:   true,
			op:      "moddn",
			message: `unknown operation "moddn"`,
		},
		{
			name:      "state checked before types",
			op:        "search",
			args:      []any{1, 2, 3},
			wantState: true,
		},
		{
			name:         "non-string base",
			bound:        true,
			op:           "search",
			args:         []any{testBaseDN, 2, "(cn=*)"},
			typeMismatch: true,
			message:      "argument 1 is int",
		},
		{
			name:    "too few arguments",
			bound:   true,
			op:      "compare",
			args:    []any{"cn=x", "cn"},
			message: "expected 3 arguments, got 2",
		},
		{
			name:    "too many arguments",
			bound:   true,
			op:      "delete",
			args:    []any{"cn=x", nil, "extra"},
			message: "expected 1 to 2 arguments, got 3",
		},
		{
			name:      "bind before initialize",
			op:        "bind",
			args:      []any{testBindDN, []byte("secret")},
			wantState: true,
		},
		{
			name:         "non-numeric page size",
			bound:        true,
			op:           "paged_search",
			args:         []any{testBaseDN, "SUBTREE", "", "100"},
			typeMismatch: true,
			message:      "page size must be a number",
		},
		{
			name:    "fractional page size",
			bound:   true,
			op:      "paged_search",
			args:    []any{testBaseDN, "SUBTREE", "", 2.5},
			message: "page size must be a positive integer",
		},
		{
			name:    "zero page size",
			bound:   true,
			op:      "paged_search",
			args:    []any{testBaseDN, "SUBTREE", "", 0},
			message: "page size must be a positive integer",
		},
		{
			name:         "non-string modify DN",
			bound:        true,
			op:           "modify",
			args:         []any{42, map[string]any{"op": "add", "attr": "cn", "vals": []any{"x"}}},
			typeMismatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockSession)
			var conn *Connection
			if tt.bound {
				conn = newBoundConnection(t, session)
			} else {
				conn = NewConnection(ctx, testHost, session)
			}
			calls := len(session.Calls)

			_, err := conn.Do(ctx, tt.op, tt.args...)
			require.Error(t, err)
			assert.Len(t, session.Calls, calls, "no native call may be issued")

			if tt.wantState {
				assert.True(t, IsStateError(err))
				return
			}

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.typeMismatch, verr.TypeMismatch)
			if tt.message != "" {
				assert.Contains(t, verr.Message, tt.message)
			}
		})
	}
}

func TestDo_WriteOperations(t *testing.T) {
	ctx := context.Background()
	dn := "cn=alice,dc=example,dc=com"

	session := new(MockSession)
	conn := newBoundConnection(t, session)

	session.On("Modify", dn, []Change{{Op: ChangeReplace, Attr: "sn", Vals: []string{"Smith"}}}, []Control(nil)).
		Return(0, nil).Once()
	session.On("Rename", dn, "cn=alicia", "", []Control(nil)).Return(0, nil).Once()
	session.On("Add", dn, []EntryAttribute{{Attr: "cn", Vals: []string{"alice"}}}, []Control(nil)).
		Return(0, nil).Once()
	session.On("Delete", dn, []Control{{OID: "1.2.840.113556.1.4.805", IsCritical: true}}).
		Return(0, nil).Once()
	session.On("ChangePassword", dn, "old", "new").Return(0, nil).Once()

	_, err := conn.Do(ctx, "modify", dn, map[string]any{"op": "replace", "attr": "sn", "vals": []any{"Smith"}})
	require.NoError(t, err)

	_, err = conn.Do(ctx, "rename", dn, "cn=alicia", "")
	require.NoError(t, err)

	_, err = conn.Do(ctx, "add", dn, []any{map[string]any{"attr": "cn", "vals": []any{"alice"}}}, nil)
	require.NoError(t, err)

	_, err = conn.Do(ctx, "delete", dn, map[string]any{"oid": "1.2.840.113556.1.4.805", "isCritical": true})
	require.NoError(t, err)

	_, err = conn.Do(ctx, "changePassword", dn, "old", "new")
	require.NoError(t, err)

	session.AssertExpectations(t)
}

func TestToPageSize(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    int
		wantErr bool
	}{
		{name: "int", input: 500, want: 500},
		{name: "int64", input: int64(10), want: 10},
		{name: "uint64", input: uint64(25), want: 25},
		{name: "integral float", input: float64(1000), want: 1000},
		{name: "fractional float", input: 1.5, wantErr: true},
		{name: "negative", input: -5, wantErr: true},
		{name: "string", input: "10", wantErr: true},
		{name: "nil", input: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toPageSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
