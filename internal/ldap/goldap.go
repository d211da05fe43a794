package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// errNotConnected is reported when an operation reaches the engine before
// Initialize has dialed the server.
var errNotConnected = errors.New("session is not connected")

// GoLDAPSession implements Session on top of github.com/go-ldap/ldap/v3.
// Each call runs on its own goroutine and reports through its Completion.
type GoLDAPSession struct {
	config     *ConnectionConfig
	logContext context.Context

	mu     sync.Mutex
	conn   *ldap.Conn
	server *ServerInfo
}

// NewGoLDAPSession creates an unconnected session. ctx is retained for
// logging only.
func NewGoLDAPSession(ctx context.Context, config *ConnectionConfig) *GoLDAPSession {
	if config == nil {
		config = DefaultConfig()
	}
	return &GoLDAPSession{
		config:     config,
		logContext: ctx,
	}
}

// run executes fn asynchronously and reports its outcome. Errors are reported
// with their LDAP result code, or ErrorNetwork when they carry none.
func (s *GoLDAPSession) run(done Completion, fn func() (any, error)) {
	go func() {
		payload, err := fn()
		if err != nil {
			done(int(ResultCode(err)), err)
			return
		}
		done(ldap.LDAPResultSuccess, payload)
	}()
}

func (s *GoLDAPSession) connection() (*ldap.Conn, *ServerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, nil, ldap.NewError(ldap.LDAPResultConnectError, errNotConnected)
	}
	return s.conn, s.server, nil
}

// buildTLSConfig returns the TLS settings for server. A non-empty caFile
// replaces the system roots.
func (s *GoLDAPSession) buildTLSConfig(server *ServerInfo, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         server.Host,
		InsecureSkipVerify: s.config.InsecureSkipVerify, // #nosec G402 - operator opt-in
	}

	if caFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	tlsConfig.RootCAs = pool

	return tlsConfig, nil
}

// Initialize dials host. ldaps:// URLs negotiate TLS immediately.
func (s *GoLDAPSession) Initialize(host string, done Completion) {
	s.run(done, func() (any, error) {
		server, err := ParseLDAPURL(host)
		if err != nil {
			return nil, ldap.NewError(ldap.LDAPResultParamError, err)
		}

		tlsConfig, err := s.buildTLSConfig(server, s.config.TLSCACertFile)
		if err != nil {
			return nil, ldap.NewError(ldap.LDAPResultLocalError, err)
		}

		tflog.SubsystemDebug(s.logContext, subsystemLDAP, "Dialing LDAP server", map[string]any{
			"url":     ServerInfoToURL(server),
			"use_tls": server.UseTLS,
			"timeout": s.config.Timeout.String(),
		})

		conn, err := ldap.DialURL(ServerInfoToURL(server),
			ldap.DialWithTLSConfig(tlsConfig),
			ldap.DialWithDialer(&net.Dialer{Timeout: s.config.Timeout}),
		)
		if err != nil {
			return nil, err
		}
		conn.SetTimeout(s.config.Timeout)

		s.setConn(conn, server)
		return nil, nil
	})
}

// setConn stores a freshly dialed connection, closing any connection a
// previous Initialize left behind.
func (s *GoLDAPSession) setConn(conn *ldap.Conn, server *ServerInfo) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.server = server
	s.mu.Unlock()

	if prev != nil && prev != conn {
		tflog.SubsystemDebug(s.logContext, subsystemLDAP, "Closing replaced LDAP connection", nil)
		prev.Close()
	}
}

// StartTLS upgrades the connection. An empty certPath keeps the CA
// configured for the session.
func (s *GoLDAPSession) StartTLS(certPath string, done Completion) {
	s.run(done, func() (any, error) {
		conn, server, err := s.connection()
		if err != nil {
			return nil, err
		}

		caFile := certPath
		if caFile == "" {
			caFile = s.config.TLSCACertFile
		}

		tlsConfig, err := s.buildTLSConfig(server, caFile)
		if err != nil {
			return nil, ldap.NewError(ldap.LDAPResultLocalError, err)
		}

		return nil, conn.StartTLS(tlsConfig)
	})
}

// Bind performs a simple bind, or a GSSAPI bind when Kerberos is configured.
func (s *GoLDAPSession) Bind(dn, password string, done Completion) {
	s.run(done, func() (any, error) {
		conn, server, err := s.connection()
		if err != nil {
			return nil, err
		}

		if s.config.GetAuthMethod() == AuthMethodKerberos {
			err := performKerberosBind(s.logContext, conn, s.config, server, dn, password)
			var resultErr *ldap.Error
			if err != nil && !errors.As(err, &resultErr) {
				return nil, ldap.NewError(ldap.LDAPResultAuthUnknown, err)
			}
			return nil, err
		}

		return nil, conn.Bind(dn, password)
	})
}

func (s *GoLDAPSession) newSearchRequest(req *SearchRequest, controls []ldap.Control) *ldap.SearchRequest {
	sizeLimit := req.SizeLimit
	if req.PageSize > 0 {
		sizeLimit = 0
	}

	return ldap.NewSearchRequest(
		req.Base,
		int(req.Scope),
		ldap.NeverDerefAliases,
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

// Search runs a single search request.
func (s *GoLDAPSession) Search(req *SearchRequest, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		result, err := conn.Search(s.newSearchRequest(req, nil))
		if err != nil {
			return nil, err
		}

		return &SearchResult{
			Entries:   result.Entries,
			Referrals: result.Referrals,
			Controls:  result.Controls,
		}, nil
	})
}

// PagedSearch fetches the page following cookie.
func (s *GoLDAPSession) PagedSearch(searchID uint64, req *SearchRequest, cookie []byte, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		pagingControl := ldap.NewControlPaging(uint32(req.PageSize))
		pagingControl.SetCookie(cookie)

		result, err := conn.Search(s.newSearchRequest(req, []ldap.Control{pagingControl}))
		if err != nil {
			return nil, err
		}

		page := &Page{Entries: result.Entries}
		if responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
			page.Cookie = responseControl.Cookie
		}

		tflog.SubsystemTrace(s.logContext, subsystemLDAP, "Fetched search page", map[string]any{
			"search_id":       searchID,
			"entries_in_page": len(page.Entries),
			"cookie_length":   len(page.Cookie),
		})

		return page, nil
	})
}

// Compare reports LDAPResultCompareTrue or LDAPResultCompareFalse.
func (s *GoLDAPSession) Compare(dn, attr, value string, done Completion) {
	go func() {
		conn, _, err := s.connection()
		if err != nil {
			done(int(ResultCode(err)), err)
			return
		}

		matched, err := conn.Compare(dn, attr, value)
		switch {
		case err != nil:
			done(int(ResultCode(err)), err)
		case matched:
			done(ldap.LDAPResultCompareTrue, nil)
		default:
			done(ldap.LDAPResultCompareFalse, nil)
		}
	}()
}

// toLDAPControls converts request controls. No controls yields nil so the
// engine applies its defaults.
func toLDAPControls(controls []Control) []ldap.Control {
	if len(controls) == 0 {
		return nil
	}

	out := make([]ldap.Control, len(controls))
	for i, c := range controls {
		out[i] = ldap.NewControlString(c.OID, c.IsCritical, c.Value)
	}
	return out
}

// Modify applies changes in order.
func (s *GoLDAPSession) Modify(dn string, changes []Change, controls []Control, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		req := ldap.NewModifyRequest(dn, toLDAPControls(controls))
		for _, change := range changes {
			switch change.Op {
			case ChangeAdd:
				req.Add(change.Attr, change.Vals)
			case ChangeDelete:
				req.Delete(change.Attr, change.Vals)
			case ChangeReplace:
				req.Replace(change.Attr, change.Vals)
			default:
				return nil, ldap.NewError(ldap.LDAPResultParamError,
					fmt.Errorf("unsupported change operation %q", change.Op))
			}
		}

		result, err := conn.ModifyWithResult(req)
		if err != nil {
			return nil, err
		}

		return &OperationResult{Code: ldap.LDAPResultSuccess, Controls: result.Controls}, nil
	})
}

// Rename moves dn to newRDN under newParent, removing the old RDN value.
func (s *GoLDAPSession) Rename(dn, newRDN, newParent string, controls []Control, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		req := ldap.NewModifyDNWithControlsRequest(dn, newRDN, true, newParent, toLDAPControls(controls))
		if err := conn.ModifyDN(req); err != nil {
			return nil, err
		}

		return &OperationResult{Code: ldap.LDAPResultSuccess}, nil
	})
}

// Delete removes dn.
func (s *GoLDAPSession) Delete(dn string, controls []Control, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		if err := conn.Del(ldap.NewDelRequest(dn, toLDAPControls(controls))); err != nil {
			return nil, err
		}

		return &OperationResult{Code: ldap.LDAPResultSuccess}, nil
	})
}

// Add creates dn with the given attributes.
func (s *GoLDAPSession) Add(dn string, entry []EntryAttribute, controls []Control, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		req := ldap.NewAddRequest(dn, toLDAPControls(controls))
		for _, attr := range entry {
			req.Attribute(attr.Attr, attr.Vals)
		}

		if err := conn.Add(req); err != nil {
			return nil, err
		}

		return &OperationResult{Code: ldap.LDAPResultSuccess}, nil
	})
}

// ChangePassword issues the password modify extended operation.
func (s *GoLDAPSession) ChangePassword(dn, oldPassword, newPassword string, done Completion) {
	s.run(done, func() (any, error) {
		conn, _, err := s.connection()
		if err != nil {
			return nil, err
		}

		_, err = conn.PasswordModify(ldap.NewPasswordModifyRequest(dn, oldPassword, newPassword))
		return nil, err
	})
}

// Unbind closes the connection. Unbinding a session that never connected
// succeeds.
func (s *GoLDAPSession) Unbind(done Completion) {
	s.run(done, func() (any, error) {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn == nil {
			return nil, nil
		}

		err := conn.Unbind()
		conn.Close()
		return nil, err
	})
}
