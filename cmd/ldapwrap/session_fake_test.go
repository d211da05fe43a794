package main

import (
	"strconv"
	"sync"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldapwrap/internal/ldap"
)

// fakeSession is a scripted directory engine. Every call completes
// synchronously; binds succeed only with the configured password.
type fakeSession struct {
	password string
	entries  []*ldap.Entry

	mu    sync.Mutex
	calls []string
}

var _ ldapclient.Session = (*fakeSession)(nil)

func newFakeSession(password string, entries ...*ldap.Entry) *fakeSession {
	return &fakeSession{password: password, entries: entries}
}

func (f *fakeSession) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) Initialize(_ string, done ldapclient.Completion) {
	f.record("initialize")
	done(ldap.LDAPResultSuccess, nil)
}

func (f *fakeSession) StartTLS(_ string, done ldapclient.Completion) {
	f.record("start_tls")
	done(ldap.LDAPResultSuccess, nil)
}

func (f *fakeSession) Bind(_, password string, done ldapclient.Completion) {
	f.record("bind")
	if password != f.password {
		done(ldap.LDAPResultInvalidCredentials, nil)
		return
	}
	done(ldap.LDAPResultSuccess, nil)
}

func (f *fakeSession) Search(_ *ldapclient.SearchRequest, done ldapclient.Completion) {
	f.record("search")
	done(ldap.LDAPResultSuccess, &ldapclient.SearchResult{Entries: f.entries})
}

func (f *fakeSession) PagedSearch(_ uint64, req *ldapclient.SearchRequest, cookie []byte, done ldapclient.Completion) {
	f.record("paged_search")

	offset := 0
	if len(cookie) > 0 {
		offset, _ = strconv.Atoi(string(cookie))
	}
	end := min(offset+req.PageSize, len(f.entries))

	page := &ldapclient.Page{Entries: f.entries[offset:end]}
	if end < len(f.entries) {
		page.Cookie = []byte(strconv.Itoa(end))
	}
	done(ldap.LDAPResultSuccess, page)
}

func (f *fakeSession) Compare(_, _, value string, done ldapclient.Completion) {
	f.record("compare")
	if value == "alice" {
		done(ldap.LDAPResultCompareTrue, nil)
		return
	}
	done(ldap.LDAPResultCompareFalse, nil)
}

func (f *fakeSession) Modify(_ string, _ []ldapclient.Change, _ []ldapclient.Control, done ldapclient.Completion) {
	f.record("modify")
	done(ldap.LDAPResultSuccess, &ldapclient.OperationResult{Code: ldap.LDAPResultSuccess})
}

func (f *fakeSession) Rename(_, _, _ string, _ []ldapclient.Control, done ldapclient.Completion) {
	f.record("rename")
	done(ldap.LDAPResultSuccess, &ldapclient.OperationResult{Code: ldap.LDAPResultSuccess})
}

func (f *fakeSession) Delete(dn string, _ []ldapclient.Control, done ldapclient.Completion) {
	f.record("delete")
	if dn == "cn=missing,dc=example,dc=com" {
		done(ldap.LDAPResultNoSuchObject, nil)
		return
	}
	done(ldap.LDAPResultSuccess, &ldapclient.OperationResult{Code: ldap.LDAPResultSuccess})
}

func (f *fakeSession) Add(_ string, _ []ldapclient.EntryAttribute, _ []ldapclient.Control, done ldapclient.Completion) {
	f.record("add")
	done(ldap.LDAPResultSuccess, &ldapclient.OperationResult{Code: ldap.LDAPResultSuccess})
}

func (f *fakeSession) ChangePassword(_, _, _ string, done ldapclient.Completion) {
	f.record("change_password")
	done(ldap.LDAPResultSuccess, nil)
}

func (f *fakeSession) Unbind(done ldapclient.Completion) {
	f.record("unbind")
	done(ldap.LDAPResultSuccess, nil)
}

func testEntry(cn string) *ldap.Entry {
	dn := "cn=" + cn + ",ou=people,dc=example,dc=com"
	return ldap.NewEntry(dn, map[string][]string{
		"cn":   {cn},
		"mail": {cn + "@example.com"},
	})
}
