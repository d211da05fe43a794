package ldap

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// defaultFilter is used when a search is issued without a filter.
const defaultFilter = "(objectClass=*)"

// Connection drives one Session through the LDAP connection lifecycle:
// CREATED, INITIALIZED, BOUND and finally UNBOUND. Directory operations are
// only issued while BOUND. Arguments are validated before the engine is
// called, and every engine result is mapped through Classify.
//
// A Connection is safe for concurrent use, but operations that change state
// (Bind, Unbind) must not be issued concurrently with each other.
type Connection struct {
	host       string
	id         string
	session    Session
	logContext context.Context // Context with the ldap subsystem and connection fields

	mu    sync.RWMutex
	state State

	searchCounter atomic.Uint64
}

// Option configures a Connection.
type Option func(*Connection)

// WithConnectionID overrides the generated connection ID used in logs.
func WithConnectionID(id string) Option {
	return func(c *Connection) {
		c.id = id
	}
}

// NewConnection creates a Connection in the CREATED state. No engine call is
// made until Initialize. ctx is retained for logging only.
func NewConnection(ctx context.Context, host string, session Session, opts ...Option) *Connection {
	c := &Connection{
		host:    host,
		id:      uuid.NewString(),
		session: session,
		state:   StateCreated,
	}

	for _, opt := range opts {
		opt(c)
	}

	ctx = tflog.NewSubsystem(ctx, subsystemLDAP, tflog.WithLevelFromEnv(envLogLDAP))
	ctx = tflog.SubsystemSetField(ctx, subsystemLDAP, "connection_id", c.id)
	ctx = tflog.SubsystemSetField(ctx, subsystemLDAP, "host", c.host)
	c.logContext = ctx

	tflog.SubsystemTrace(c.logContext, subsystemLDAP, "Connection created")

	return c
}

// Host returns the URL the connection was created for.
func (c *Connection) Host() string {
	return c.host
}

// ID returns the connection's log identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		tflog.SubsystemDebug(c.logContext, subsystemLDAP, "Connection state changed", map[string]any{
			"from": prev.String(),
			"to":   s.String(),
		})
	}
}

func (c *Connection) requireState(operation string, required ...State) error {
	current := c.State()
	for _, s := range required {
		if current == s {
			return nil
		}
	}

	tflog.SubsystemDebug(c.logContext, subsystemLDAP, "Operation rejected in current state", map[string]any{
		"operation": operation,
		"state":     current.String(),
	})

	return &StateError{Operation: operation, State: current, Required: required}
}

// completion is the settled outcome of one native call.
type completion struct {
	code    int
	payload any
}

// pending is one outstanding native call. The result channel is buffered so
// the engine never blocks on a caller that has stopped waiting.
type pending struct {
	once      sync.Once
	result    chan completion
	abandoned atomic.Bool
}

// call issues one native call and waits for its completion or for ctx to end.
// Only the first completion is delivered; later ones are logged and dropped.
func (c *Connection) call(ctx context.Context, operation string, issue func(done Completion)) (completion, error) {
	if err := ctx.Err(); err != nil {
		return completion{}, err
	}

	p := &pending{result: make(chan completion, 1)}

	issue(func(code int, payload any) {
		delivered := false
		p.once.Do(func() {
			p.result <- completion{code: code, payload: payload}
			delivered = true
		})

		switch {
		case !delivered:
			LogConnectionEvent(c.logContext, "duplicate_completion", map[string]any{
				"operation": operation,
				"code":      code,
			})
		case p.abandoned.Load():
			LogConnectionEvent(c.logContext, "late_completion", map[string]any{
				"operation": operation,
				"code":      code,
			})
		}
	})

	select {
	case res := <-p.result:
		return res, nil
	case <-ctx.Done():
		p.abandoned.Store(true)
		return completion{}, ctx.Err()
	}
}

// resultError maps a non-success completion to an *LDAPError.
func resultError(operation string, res completion, dn string) error {
	if res.code == ldap.LDAPResultSuccess {
		return nil
	}

	code := uint16(ldap.ErrorNetwork)
	if res.code > 0 && res.code <= math.MaxUint16 {
		code = uint16(res.code)
	}

	cause, _ := res.payload.(error)
	err := NewLDAPError(operation, code, cause)
	if err.DN == "" {
		err.DN = dn
	}

	return err
}

// withOperation names the failing operation on validation errors raised by
// shared argument checks.
func withOperation(err error, operation string) error {
	if verr, ok := err.(*ValidationError); ok {
		verr.Operation = operation
	}
	return err
}

// Initialize establishes the transport to the host. It may only succeed once.
func (c *Connection) Initialize(ctx context.Context) error {
	if err := c.requireState("initialize", StateCreated); err != nil {
		return err
	}

	return LogOperation(c.logContext, subsystemLDAP, "initialize", nil, func() error {
		res, err := c.call(ctx, "initialize", func(done Completion) {
			c.session.Initialize(c.host, done)
		})
		if err != nil {
			return err
		}

		if err := resultError("initialize", res, ""); err != nil {
			LogConnectionEvent(c.logContext, "connection_failed", map[string]any{"error": err.Error()})
			return err
		}

		c.setState(StateInitialized)
		LogConnectionEvent(c.logContext, "connection_initialized", nil)
		return nil
	})
}

// StartTLS upgrades an initialized connection to TLS. certPath names an
// optional CA certificate file; when empty the system roots are used.
func (c *Connection) StartTLS(ctx context.Context, certPath string) error {
	if err := c.requireState("start_tls", StateInitialized); err != nil {
		return err
	}

	return LogOperation(c.logContext, subsystemLDAP, "start_tls", map[string]any{
		"ca_cert_file": certPath,
	}, func() error {
		res, err := c.call(ctx, "start_tls", func(done Completion) {
			c.session.StartTLS(certPath, done)
		})
		if err != nil {
			return err
		}
		return resultError("start_tls", res, "")
	})
}

// Bind authenticates the connection. A failed bind leaves the connection
// INITIALIZED so it can be retried.
func (c *Connection) Bind(ctx context.Context, dn, password string) error {
	if err := c.requireState("bind", StateInitialized); err != nil {
		return err
	}

	fields := map[string]any{"bind_dn": dn}

	return LogOperation(c.logContext, subsystemLDAP, "bind", fields, func() error {
		res, err := c.call(ctx, "bind", func(done Completion) {
			c.session.Bind(dn, password, done)
		})
		if err != nil {
			return err
		}

		if err := resultError("bind", res, dn); err != nil {
			c.setState(StateInitialized)
			LogConnectionEvent(c.logContext, "authentication_failed", map[string]any{
				"bind_dn": dn,
				"error":   err.Error(),
			})
			return err
		}

		c.setState(StateBound)
		LogConnectionEvent(c.logContext, "authentication_success", map[string]any{"bind_dn": dn})
		return nil
	})
}

// normalizeFilter accepts a filter without enclosing parentheses, as
// libldap does: "objectClass=*" is sent as "(objectClass=*)".
func normalizeFilter(filter string) string {
	filter = strings.TrimSpace(filter)
	switch {
	case filter == "":
		return defaultFilter
	case strings.HasPrefix(filter, "("):
		return filter
	default:
		return "(" + filter + ")"
	}
}

func newSearchRequest(base string, scope Scope, filter string, opts []SearchOption) *SearchRequest {
	req := &SearchRequest{
		Base:   base,
		Scope:  scope,
		Filter: normalizeFilter(filter),
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// Search runs a single non-paged search.
func (c *Connection) Search(ctx context.Context, base, scope, filter string, opts ...SearchOption) (*SearchResult, error) {
	if err := c.requireState("search", StateBound); err != nil {
		return nil, err
	}

	s, err := ParseScope(scope)
	if err != nil {
		return nil, err
	}

	req := newSearchRequest(base, s, filter, opts)

	var result *SearchResult
	err = LogOperation(c.logContext, subsystemLDAP, "search", map[string]any{
		"base_dn": req.Base,
		"scope":   s.String(),
		"filter":  req.Filter,
	}, func() error {
		res, err := c.call(ctx, "search", func(done Completion) {
			c.session.Search(req, done)
		})
		if err != nil {
			return err
		}

		if err := resultError("search", res, req.Base); err != nil {
			return err
		}

		result, _ = res.payload.(*SearchResult)
		if result == nil {
			result = &SearchResult{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PagedSearch opens a stream over a paged search. No request is sent until
// the first call to Next.
func (c *Connection) PagedSearch(ctx context.Context, base, scope, filter string, pageSize int, opts ...SearchOption) (*SearchStream, error) {
	if err := c.requireState("paged_search", StateBound); err != nil {
		return nil, err
	}

	s, err := ParseScope(scope)
	if err != nil {
		return nil, withOperation(err, "paged_search")
	}

	if pageSize <= 0 {
		return nil, &ValidationError{
			Operation: "paged_search",
			Message:   "page size must be a positive number",
		}
	}

	req := newSearchRequest(base, s, filter, opts)
	req.PageSize = pageSize

	stream := newSearchStream(c, c.searchCounter.Add(1), req)

	LogPagedSearchEvent(c.logContext, "stream_opened", map[string]any{
		"search_id": stream.id,
		"base_dn":   req.Base,
		"scope":     s.String(),
		"filter":    req.Filter,
		"page_size": pageSize,
	})

	return stream, nil
}

// Compare reports whether the entry's attribute holds value.
func (c *Connection) Compare(ctx context.Context, dn, attr, value string) (bool, error) {
	if err := c.requireState("compare", StateBound); err != nil {
		return false, err
	}

	var matched bool
	err := LogOperation(c.logContext, subsystemLDAP, "compare", map[string]any{
		"dn":        dn,
		"attribute": attr,
	}, func() error {
		res, err := c.call(ctx, "compare", func(done Completion) {
			c.session.Compare(dn, attr, value, done)
		})
		if err != nil {
			return err
		}

		switch res.code {
		case ldap.LDAPResultCompareTrue:
			matched = true
			return nil
		case ldap.LDAPResultCompareFalse, ldap.LDAPResultSuccess:
			return nil
		default:
			return resultError("compare", res, dn)
		}
	})

	return matched, err
}

// write runs one directory update and returns its operation result.
func (c *Connection) write(ctx context.Context, operation, dn string, fields map[string]any, issue func(done Completion)) (*OperationResult, error) {
	var result *OperationResult

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["dn"] = dn

	err := LogOperation(c.logContext, subsystemLDAP, operation, fields, func() error {
		res, err := c.call(ctx, operation, issue)
		if err != nil {
			return err
		}

		if err := resultError(operation, res, dn); err != nil {
			return err
		}

		result, _ = res.payload.(*OperationResult)
		if result == nil {
			result = &OperationResult{Code: uint16(res.code)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Modify applies changes to an entry. changes is one change or a list of
// them; controls is nil, one control, or a list of them.
func (c *Connection) Modify(ctx context.Context, dn string, changes, controls any) (*OperationResult, error) {
	if err := c.requireState("modify", StateBound); err != nil {
		return nil, err
	}

	mods, err := CheckModifyChange(changes)
	if err != nil {
		return nil, withOperation(err, "modify")
	}

	ctrls, err := CheckControl(controls)
	if err != nil {
		return nil, withOperation(err, "modify")
	}

	return c.write(ctx, "modify", dn, map[string]any{
		"change_count":  len(mods),
		"control_count": len(ctrls),
	}, func(done Completion) {
		c.session.Modify(dn, mods, ctrls, done)
	})
}

// Rename moves an entry to newRDN under newParent.
func (c *Connection) Rename(ctx context.Context, dn, newRDN, newParent string, controls any) (*OperationResult, error) {
	if err := c.requireState("rename", StateBound); err != nil {
		return nil, err
	}

	ctrls, err := CheckControl(controls)
	if err != nil {
		return nil, withOperation(err, "rename")
	}

	return c.write(ctx, "rename", dn, map[string]any{
		"new_rdn":       newRDN,
		"new_parent":    newParent,
		"control_count": len(ctrls),
	}, func(done Completion) {
		c.session.Rename(dn, newRDN, newParent, ctrls, done)
	})
}

// Delete removes an entry.
func (c *Connection) Delete(ctx context.Context, dn string, controls any) (*OperationResult, error) {
	if err := c.requireState("delete", StateBound); err != nil {
		return nil, err
	}

	ctrls, err := CheckControl(controls)
	if err != nil {
		return nil, withOperation(err, "delete")
	}

	return c.write(ctx, "delete", dn, map[string]any{
		"control_count": len(ctrls),
	}, func(done Completion) {
		c.session.Delete(dn, ctrls, done)
	})
}

// Add creates an entry. entry is one attribute or a list of them.
func (c *Connection) Add(ctx context.Context, dn string, entry, controls any) (*OperationResult, error) {
	if err := c.requireState("add", StateBound); err != nil {
		return nil, err
	}

	attrs, err := CheckEntryObject(entry)
	if err != nil {
		return nil, withOperation(err, "add")
	}

	ctrls, err := CheckControl(controls)
	if err != nil {
		return nil, withOperation(err, "add")
	}

	return c.write(ctx, "add", dn, map[string]any{
		"attribute_count": len(attrs),
		"control_count":   len(ctrls),
	}, func(done Completion) {
		c.session.Add(dn, attrs, ctrls, done)
	})
}

// ChangePassword replaces a user's password using the password modify
// extended operation.
func (c *Connection) ChangePassword(ctx context.Context, dn, oldPassword, newPassword string) error {
	if err := c.requireState("change_password", StateBound); err != nil {
		return err
	}

	return LogOperation(c.logContext, subsystemLDAP, "change_password", map[string]any{"dn": dn}, func() error {
		res, err := c.call(ctx, "change_password", func(done Completion) {
			c.session.ChangePassword(dn, oldPassword, newPassword, done)
		})
		if err != nil {
			return err
		}
		return resultError("change_password", res, dn)
	})
}

// Unbind releases the session. Unbinding an unbound connection is a no-op.
func (c *Connection) Unbind(ctx context.Context) error {
	if c.State() == StateUnbound {
		return nil
	}

	return LogOperation(c.logContext, subsystemLDAP, "unbind", nil, func() error {
		res, err := c.call(ctx, "unbind", func(done Completion) {
			c.session.Unbind(done)
		})
		if err != nil {
			return err
		}

		if err := resultError("unbind", res, ""); err != nil {
			LogConnectionEvent(c.logContext, "unbind_failed", map[string]any{"error": err.Error()})
			return err
		}

		c.setState(StateUnbound)
		LogConnectionEvent(c.logContext, "connection_unbound", nil)
		return nil
	})
}
