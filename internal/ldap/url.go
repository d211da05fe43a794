package ldap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

const (
	defaultLDAPPort  = 389
	defaultLDAPSPort = 636
)

// ServerInfo contains the address of an LDAP server.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// Address returns host:port suitable for dialing.
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerInfoToURL converts ServerInfo to LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, server.Address())
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL into ServerInfo. A missing
// port resolves to the scheme default.
func ParseLDAPURL(raw string) (*ServerInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	server := &ServerInfo{}
	switch u.Scheme {
	case "ldaps":
		server.UseTLS = true
		server.Port = defaultLDAPSPort
	case "ldap":
		server.Port = defaultLDAPPort
	default:
		return nil, fmt.Errorf("unsupported scheme, must be ldap:// or ldaps://")
	}

	server.Host = u.Hostname()
	if server.Host == "" {
		return nil, fmt.Errorf("server host cannot be empty")
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, nil
}
