package ldap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSession is a Session whose completions are scripted with testify.
// Each expectation returns the result code and payload handed to the
// completion callback, which runs synchronously.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) complete(done Completion, args mock.Arguments) {
	done(args.Int(0), args.Get(1))
}

func (m *MockSession) Initialize(host string, done Completion) {
	m.complete(done, m.Called(host))
}

func (m *MockSession) StartTLS(certPath string, done Completion) {
	m.complete(done, m.Called(certPath))
}

func (m *MockSession) Bind(dn, password string, done Completion) {
	m.complete(done, m.Called(dn, password))
}

func (m *MockSession) Search(req *SearchRequest, done Completion) {
	m.complete(done, m.Called(req))
}

func (m *MockSession) PagedSearch(searchID uint64, req *SearchRequest, cookie []byte, done Completion) {
	m.complete(done, m.Called(searchID, req, cookie))
}

func (m *MockSession) Compare(dn, attr, value string, done Completion) {
	m.complete(done, m.Called(dn, attr, value))
}

func (m *MockSession) Modify(dn string, changes []Change, controls []Control, done Completion) {
	m.complete(done, m.Called(dn, changes, controls))
}

func (m *MockSession) Rename(dn, newRDN, newParent string, controls []Control, done Completion) {
	m.complete(done, m.Called(dn, newRDN, newParent, controls))
}

func (m *MockSession) Delete(dn string, controls []Control, done Completion) {
	m.complete(done, m.Called(dn, controls))
}

func (m *MockSession) Add(dn string, entry []EntryAttribute, controls []Control, done Completion) {
	m.complete(done, m.Called(dn, entry, controls))
}

func (m *MockSession) ChangePassword(dn, oldPassword, newPassword string, done Completion) {
	m.complete(done, m.Called(dn, oldPassword, newPassword))
}

func (m *MockSession) Unbind(done Completion) {
	m.complete(done, m.Called())
}

const (
	testHost     = "ldap://dc1.example.com"
	testBindDN   = "cn=admin,dc=example,dc=com"
	testPassword = "secret"
	testBaseDN   = "dc=example,dc=com"
)

// newBoundConnection returns a Connection driven to BOUND through session.
func newBoundConnection(t *testing.T, session *MockSession) *Connection {
	t.Helper()

	ctx := context.Background()
	session.On("Initialize", testHost).Return(0, nil).Once()
	session.On("Bind", testBindDN, testPassword).Return(0, nil).Once()

	conn := NewConnection(ctx, testHost, session)
	require.NoError(t, conn.Initialize(ctx))
	require.NoError(t, conn.Bind(ctx, testBindDN, testPassword))
	require.Equal(t, StateBound, conn.State())

	return conn
}
