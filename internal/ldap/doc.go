/*
Package ldap provides a disciplined asynchronous access layer over an LDAP directory.

A native engine (the Session) performs the wire protocol and reports each
call through a completion callback. This package turns those callbacks into
blocking, context-aware operations with validated inputs and typed errors.

# Architecture Overview

The package is organized into several core components:

  - Connection: the CREATED → INITIALIZED → BOUND → UNBOUND state machine
  - SearchStream: pull-based paged search, one page per Next call
  - Validator: JSON schema checks for changes, controls and entries
  - Error taxonomy: ResultClass and a total Classify lookup
  - GoLDAPSession: the Session implemented with github.com/go-ldap/ldap/v3
  - Pool: reuse of bound Connections with retry and health checks

# Connection Lifecycle

Every operation checks its state precondition first and returns a
*StateError without calling the engine when it does not hold. Arguments are
validated next; failures yield *ValidationError, again without an engine
call. Engine failures are reported as *LDAPError carrying the ResultClass of
the result code.

	conn := ldap.NewConnection(ctx, "ldap://dc1.example.com", ldap.NewGoLDAPSession(ctx, cfg))
	if err := conn.Initialize(ctx); err != nil {
		return err
	}
	if err := conn.Bind(ctx, bindDN, password); err != nil {
		return err
	}
	defer conn.Unbind(ctx)

A failed Bind leaves the connection INITIALIZED. Unbind on an unbound
connection is a no-op.

# Paged Search

	stream, err := conn.PagedSearch(ctx, baseDN, "SUBTREE", "(objectClass=user)", 500)
	if err != nil {
		return err
	}
	for entries, err := range stream.Pages(ctx) {
		if err != nil {
			return err
		}
		process(entries)
	}

Page fetches of one stream never overlap. After the last page or the first
error, Next returns io.EOF.

# Error Handling

Use errors.Is with the sentinel leaves (ErrInvalidCredentials,
ErrNoSuchObject, ...) or the kind helpers (IsLoginError, IsServerError, ...):

	if ldap.IsLoginError(err) {
		// credentials rejected
	}

# Logging

All logging goes through terraform-plugin-log subsystems. Levels are taken
from LDAPWRAP_LOG_LDAP, LDAPWRAP_LOG_POOL and LDAPWRAP_LOG_KERBEROS.
*/
package ldap
