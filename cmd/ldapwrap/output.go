package main

import (
	"context"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldapwrap/internal/ldap"
)

// formatResult converts a Do result into plain values for YAML output.
// Paged searches are drained page by page.
func formatResult(ctx context.Context, result any) (any, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case *ldapclient.SearchResult:
		out := map[string]any{"entries": entryMaps(r.Entries)}
		if len(r.Referrals) > 0 {
			out["referrals"] = r.Referrals
		}
		return out, nil
	case *ldapclient.SearchStream:
		defer r.Close()

		pages := [][]map[string][]string{}
		for entries, err := range r.Pages(ctx) {
			if err != nil {
				return nil, err
			}
			pages = append(pages, entryMaps(entries))
		}
		return map[string]any{"pages": pages}, nil
	case *ldapclient.OperationResult:
		out := map[string]any{"code": r.Code}
		if r.Message != "" {
			out["message"] = r.Message
		}
		return out, nil
	default:
		return r, nil
	}
}

func entryMaps(entries []*ldap.Entry) []map[string][]string {
	out := make([]map[string][]string, len(entries))
	for i, entry := range entries {
		out[i] = ldapclient.EntryMap(entry)
	}
	return out
}
