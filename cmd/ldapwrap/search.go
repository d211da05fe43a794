package main

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	ldapclient "github.com/isometry/ldapwrap/internal/ldap"
)

var searchCommand = &cli.Command{
	Name:  "search",
	Usage: "Stream a paged search using the configured credentials",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "base",
			Aliases:  []string{"b"},
			Usage:    "Search base DN",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "scope",
			Aliases: []string{"s"},
			Usage:   "Search scope: BASE, ONE or SUBTREE",
			Value:   "SUBTREE",
		},
		&cli.StringFlag{
			Name:    "filter",
			Aliases: []string{"f"},
			Usage:   "LDAP search filter",
			Value:   "(objectClass=*)",
		},
		&cli.StringFlag{
			Name:  "object-guid",
			Usage: "Match a single entry by objectGUID (overrides --filter)",
		},
		&cli.StringSliceFlag{
			Name:    "attributes",
			Aliases: []string{"a"},
			Usage:   "Attributes to return (default: all user attributes)",
		},
		&cli.IntFlag{
			Name:  "page-size",
			Usage: "Entries per page (default: page_size from the configuration)",
		},
	},
	Action: searchAction,
}

// searchQuery holds the parameters of one paged search.
type searchQuery struct {
	Base       string
	Scope      string
	Filter     string
	Attributes []string
	PageSize   int
}

func searchAction(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	query := searchQuery{
		Base:       c.String("base"),
		Scope:      c.String("scope"),
		Filter:     c.String("filter"),
		Attributes: c.StringSlice("attributes"),
		PageSize:   config.PageSize,
	}
	if c.IsSet("page-size") {
		query.PageSize = c.Int("page-size")
	}
	if guid := c.String("object-guid"); guid != "" {
		if query.Filter, err = ldapclient.GUIDToSearchFilter(guid); err != nil {
			return err
		}
	}

	ctx := newLogContext(c.Context)

	pool, err := ldapclient.NewPool(ctx, config, nil)
	if err != nil {
		return err
	}
	defer pool.Close()

	count, err := streamSearch(ctx, pool, query, c.App.Writer)
	if err != nil {
		return err
	}

	tflog.Info(ctx, "Search completed", map[string]any{
		"base_dn": query.Base,
		"entries": count,
	})
	return nil
}

// streamSearch writes each entry as its own YAML document as pages arrive
// and returns the number of entries written.
func streamSearch(ctx context.Context, pool *ldapclient.Pool, query searchQuery, w io.Writer) (int, error) {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()

	count := 0
	err := pool.With(ctx, func(conn *ldapclient.Connection) error {
		stream, err := conn.PagedSearch(ctx, query.Base, query.Scope, query.Filter, query.PageSize,
			ldapclient.WithAttributes(query.Attributes...))
		if err != nil {
			return err
		}
		defer stream.Close()

		for entries, err := range stream.Pages(ctx) {
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := enc.Encode(ldapclient.EntryMap(entry)); err != nil {
					return fmt.Errorf("failed to write entry: %w", err)
				}
				count++
			}
		}
		return nil
	})

	return count, err
}
