package ldap

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// SearchStream delivers the pages of one paged search. Each call to Next
// fetches exactly one page; fetches never overlap. The stream ends with
// io.EOF after the last page or after the first failed fetch, and cannot be
// restarted.
type SearchStream struct {
	conn *Connection
	id   uint64
	req  *SearchRequest

	mu      sync.Mutex
	cookie  []byte
	done    bool
	pages   int
	entries int
	started time.Time
}

func newSearchStream(conn *Connection, id uint64, req *SearchRequest) *SearchStream {
	return &SearchStream{
		conn: conn,
		id:   id,
		req:  req,
	}
}

// ID returns the search ID, unique among the streams of one Connection.
func (s *SearchStream) ID() uint64 {
	return s.id
}

// Next fetches the next page. It returns io.EOF once the stream has ended.
func (s *SearchStream) Next(ctx context.Context) ([]*ldap.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, io.EOF
	}

	if s.pages == 0 {
		s.started = time.Now()
	}

	fields := map[string]any{
		"search_id":   s.id,
		"page_number": s.pages + 1,
	}

	if err := s.conn.requireState("paged_search", StateBound); err != nil {
		s.fail(err, fields)
		return nil, err
	}

	LogPagedSearchEvent(s.conn.logContext, "page_requested", fields)

	res, err := s.conn.call(ctx, "paged_search", func(done Completion) {
		s.conn.session.PagedSearch(s.id, s.req, s.cookie, done)
	})
	if err == nil {
		err = resultError("paged_search", res, s.req.Base)
	}
	if err != nil {
		s.fail(err, fields)
		return nil, err
	}

	page, _ := res.payload.(*Page)
	if page == nil {
		page = &Page{}
	}

	s.pages++
	s.entries += len(page.Entries)

	fields["entries_in_page"] = len(page.Entries)
	fields["total_entries"] = s.entries
	LogPagedSearchEvent(s.conn.logContext, "page_received", fields)

	if len(page.Cookie) == 0 {
		s.finish("stream_exhausted")
	} else {
		s.cookie = page.Cookie
	}

	return page.Entries, nil
}

// Pages ranges over the remaining pages. Iteration stops after the last
// page, or after yielding the error of a failed fetch.
func (s *SearchStream) Pages(ctx context.Context) iter.Seq2[[]*ldap.Entry, error] {
	return func(yield func([]*ldap.Entry, error) bool) {
		for {
			entries, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(entries, err) || err != nil {
				return
			}
		}
	}
}

// Close abandons the stream. Later calls to Next return io.EOF.
func (s *SearchStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		s.finish("stream_closed")
	}
	return nil
}

// finish ends the stream. Callers hold s.mu.
func (s *SearchStream) finish(event string) {
	s.done = true
	s.cookie = nil

	fields := map[string]any{
		"search_id":     s.id,
		"pages":         s.pages,
		"total_entries": s.entries,
	}
	if !s.started.IsZero() {
		fields["duration_ms"] = time.Since(s.started).Milliseconds()
	}
	LogPagedSearchEvent(s.conn.logContext, event, fields)
}

// fail ends the stream after a failed fetch. Callers hold s.mu.
func (s *SearchStream) fail(err error, fields map[string]any) {
	fields["error"] = err.Error()
	fields["error_kind"] = string(KindOf(err))
	LogPagedSearchEvent(s.conn.logContext, "page_failed", fields)
	s.finish("stream_failed")
}
