package ldap

// Completion receives the outcome of one native call. code is an LDAP result
// code; on success payload carries the result, otherwise it carries the
// engine's error when one is available.
type Completion func(code int, payload any)

// Session is the native directory engine behind a Connection. Every method
// returns immediately and reports through done exactly once, possibly from
// another goroutine.
//
// Success payloads:
//   - Search: *SearchResult
//   - PagedSearch: *Page (an empty cookie marks the last page)
//   - Compare: nil, with code 6 for a matching assertion and 5 otherwise
//   - Modify, Rename, Delete, Add: *OperationResult
//   - others: nil
type Session interface {
	Initialize(host string, done Completion)
	StartTLS(certPath string, done Completion)
	Bind(dn, password string, done Completion)
	Search(req *SearchRequest, done Completion)
	PagedSearch(searchID uint64, req *SearchRequest, cookie []byte, done Completion)
	Compare(dn, attr, value string, done Completion)
	Modify(dn string, changes []Change, controls []Control, done Completion)
	Rename(dn, newRDN, newParent string, controls []Control, done Completion)
	Delete(dn string, controls []Control, done Completion)
	Add(dn string, entry []EntryAttribute, controls []Control, done Completion)
	ChangePassword(dn, oldPassword, newPassword string, done Completion)
	Unbind(done Completion)
}
