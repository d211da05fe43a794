package ldap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// pagingSession serves a fixed directory in pages. The cookie carries the
// offset of the next page. Completions arrive asynchronously.
type pagingSession struct {
	*MockSession

	entries []*ldap.Entry
	failAt  int // page number to fail with busy, 0 for never

	mu          sync.Mutex
	calls       int
	cookies     [][]byte
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newPagingSession(t *testing.T, n int) (*pagingSession, *Connection) {
	t.Helper()

	mockSession := new(MockSession)
	s := &pagingSession{MockSession: mockSession}
	for i := range n {
		dn := fmt.Sprintf("cn=user%02d,ou=people,dc=example,dc=com", i)
		s.entries = append(s.entries, ldap.NewEntry(dn, map[string][]string{"cn": {fmt.Sprintf("user%02d", i)}}))
	}

	ctx := context.Background()
	mockSession.On("Initialize", testHost).Return(0, nil).Once()
	mockSession.On("Bind", testBindDN, testPassword).Return(0, nil).Once()

	conn := NewConnection(ctx, testHost, s)
	require.NoError(t, conn.Initialize(ctx))
	require.NoError(t, conn.Bind(ctx, testBindDN, testPassword))

	return s, conn
}

func (s *pagingSession) PagedSearch(_ uint64, req *SearchRequest, cookie []byte, done Completion) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.cookies = append(s.cookies, cookie)
	s.mu.Unlock()

	current := s.inFlight.Add(1)
	for {
		peak := s.maxInFlight.Load()
		if current <= peak || s.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		s.inFlight.Add(-1)

		if s.failAt == call {
			done(ldap.LDAPResultBusy, ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy")))
			return
		}

		offset := 0
		if len(cookie) > 0 {
			offset, _ = strconv.Atoi(string(cookie))
		}
		end := min(offset+req.PageSize, len(s.entries))

		page := &Page{Entries: s.entries[offset:end]}
		if end < len(s.entries) {
			page.Cookie = []byte(strconv.Itoa(end))
		}
		done(ldap.LDAPResultSuccess, page)
	}()
}

func TestSearchStream_Pages(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 25)

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "(objectClass=person)", 10)
	require.NoError(t, err)

	var sizes []int
	var dns []string
	for {
		entries, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(entries))
		for _, e := range entries {
			dns = append(dns, e.DN)
		}
	}

	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Len(t, dns, 25)
	assert.Equal(t, "cn=user00,ou=people,dc=example,dc=com", dns[0])
	assert.Equal(t, "cn=user24,ou=people,dc=example,dc=com", dns[24])

	// The first request carries no cookie; later ones resume from the last.
	assert.Equal(t, [][]byte{nil, []byte("10"), []byte("20")}, session.cookies)

	// Exhausted streams keep reporting EOF without engine calls.
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, session.calls)
}

func TestSearchStream_RangeOverPages(t *testing.T) {
	ctx := context.Background()
	_, conn := newPagingSession(t, 7)

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 3)
	require.NoError(t, err)

	total := 0
	pages := 0
	for entries, err := range stream.Pages(ctx) {
		require.NoError(t, err)
		total += len(entries)
		pages++
	}

	assert.Equal(t, 7, total)
	assert.Equal(t, 3, pages)
}

func TestSearchStream_FetchesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 100)

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var total atomic.Int64
	for range 8 {
		wg.Go(func() {
			for {
				entries, err := stream.Next(ctx)
				if err != nil {
					assert.ErrorIs(t, err, io.EOF)
					return
				}
				total.Add(int64(len(entries)))
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int64(100), total.Load())
	assert.Equal(t, int32(1), session.maxInFlight.Load())
	assert.Equal(t, 20, session.calls)
}

func TestSearchStream_FailureTerminates(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 25)
	session.failAt = 2

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 10)
	require.NoError(t, err)

	entries, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, IsServerError(err))
	assert.True(t, IsRetryableError(err))

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, session.calls)
}

func TestSearchStream_PagesYieldsError(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 25)
	session.failAt = 1

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 10)
	require.NoError(t, err)

	var errs []error
	for _, err := range stream.Pages(ctx) {
		errs = append(errs, err)
	}

	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
}

func TestSearchStream_Close(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 25)

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 10)
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, session.calls)
}

func TestSearchStream_RequiresBoundConnection(t *testing.T) {
	ctx := context.Background()
	session, conn := newPagingSession(t, 25)
	session.MockSession.On("Unbind").Return(0, nil).Once()

	stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 10)
	require.NoError(t, err)

	require.NoError(t, conn.Unbind(ctx))

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, IsStateError(err))

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, session.calls)
}

func TestSearchStream_ContextCancelled(t *testing.T) {
	session, conn := newPagingSession(t, 25)

	stream, err := conn.PagedSearch(context.Background(), testBaseDN, "SUBTREE", "", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, session.calls)
}

func TestConnection_PagedSearchValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		scope    string
		pageSize int
		message  string
	}{
		{name: "zero page size", scope: "SUBTREE", pageSize: 0, message: "page size must be a positive number"},
		{name: "negative page size", scope: "SUBTREE", pageSize: -1, message: "page size must be a positive number"},
		{name: "unknown scope", scope: "CHILDREN", pageSize: 10, message: "unknown scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := new(MockSession)
			conn := newBoundConnection(t, session)

			_, err := conn.PagedSearch(ctx, testBaseDN, tt.scope, "", tt.pageSize)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "paged_search", verr.Operation)
			assert.Contains(t, verr.Message, tt.message)
			session.AssertNotCalled(t, "PagedSearch", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestConnection_SearchIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	_, conn := newPagingSession(t, 1)

	seen := make(map[uint64]bool)
	for range 5 {
		stream, err := conn.PagedSearch(ctx, testBaseDN, "SUBTREE", "", 10)
		require.NoError(t, err)
		assert.False(t, seen[stream.ID()], "search ID %d reused", stream.ID())
		seen[stream.ID()] = true
	}
}
