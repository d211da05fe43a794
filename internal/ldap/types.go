package ldap

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	jsoniter "github.com/json-iterator/go"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateCreated     State = iota // Handle exists, nothing negotiated
	StateInitialized              // Transport established, not authenticated
	StateBound                    // Authenticated, directory operations allowed
	StateUnbound                  // Terminal
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitialized:
		return "INITIALIZED"
	case StateBound:
		return "BOUND"
	case StateUnbound:
		return "UNBOUND"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Scope defines LDAP search scope. The integer values are what the
// engine receives.
type Scope int

const (
	ScopeBase    Scope = ldap.ScopeBaseObject
	ScopeOne     Scope = ldap.ScopeSingleLevel
	ScopeSubtree Scope = ldap.ScopeWholeSubtree
)

var scopeNames = map[string]Scope{
	"BASE":    ScopeBase,
	"ONE":     ScopeOne,
	"SUBTREE": ScopeSubtree,
}

// String returns the symbolic scope name.
func (s Scope) String() string {
	for name, v := range scopeNames {
		if v == s {
			return name
		}
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// ParseScope resolves a symbolic scope name (BASE, ONE or SUBTREE).
func ParseScope(name string) (Scope, error) {
	if s, ok := scopeNames[strings.ToUpper(name)]; ok {
		return s, nil
	}
	return 0, &ValidationError{
		Operation: "search",
		Message:   fmt.Sprintf("unknown scope %q, expected BASE, ONE or SUBTREE", name),
	}
}

// ChangeOp is the kind of a modification.
type ChangeOp string

const (
	ChangeAdd     ChangeOp = "add"
	ChangeDelete  ChangeOp = "delete"
	ChangeReplace ChangeOp = "replace"
	// ChangeUpdate swaps individual values and is never sent to the engine:
	// it expands into a delete of the old values followed by an add of the
	// new ones.
	ChangeUpdate ChangeOp = "update"
)

// UpdateValue pairs an existing value with its replacement.
type UpdateValue struct {
	OldVal string `json:"oldVal"`
	NewVal string `json:"newVal"`
}

// Change is a single modification of one attribute.
type Change struct {
	Op      ChangeOp      `json:"op"`
	Attr    string        `json:"attr"`
	Vals    []string      `json:"-"`
	Updates []UpdateValue `json:"-"`
}

// MarshalJSON emits the document form, where vals holds value pairs for
// update changes and plain strings otherwise.
func (c Change) MarshalJSON() ([]byte, error) {
	doc := map[string]any{"op": c.Op, "attr": c.Attr}
	if c.Op == ChangeUpdate {
		updates := c.Updates
		if updates == nil {
			updates = []UpdateValue{}
		}
		doc["vals"] = updates
	} else {
		vals := c.Vals
		if vals == nil {
			vals = []string{}
		}
		doc["vals"] = vals
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(doc)
}

// Control is a request control attached to a write operation.
type Control struct {
	OID        string `json:"oid"`
	Value      string `json:"value,omitempty"`
	IsCritical bool   `json:"isCritical"`
}

// EntryAttribute is one attribute of an entry being added.
type EntryAttribute struct {
	Attr string   `json:"attr"`
	Vals []string `json:"vals"`
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	Base       string
	Scope      Scope
	Filter     string
	Attributes []string
	PageSize   int
	SizeLimit  int
	TimeLimit  time.Duration
}

// SearchOption adjusts a SearchRequest before it is issued.
type SearchOption func(*SearchRequest)

// WithAttributes restricts the attributes returned for each entry.
func WithAttributes(attrs ...string) SearchOption {
	return func(r *SearchRequest) {
		r.Attributes = attrs
	}
}

// WithSizeLimit caps the number of entries the server returns.
func WithSizeLimit(n int) SearchOption {
	return func(r *SearchRequest) {
		r.SizeLimit = n
	}
}

// WithTimeLimit is passed verbatim to the server as the search time limit.
func WithTimeLimit(d time.Duration) SearchOption {
	return func(r *SearchRequest) {
		r.TimeLimit = d
	}
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries   []*ldap.Entry
	Referrals []string
	Controls  []ldap.Control
}

// Page is one page of a paged search as reported by the engine.
type Page struct {
	Entries []*ldap.Entry
	Cookie  []byte
}

// OperationResult is returned by write operations.
type OperationResult struct {
	Code     uint16
	Message  string
	Controls []ldap.Control
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // DN/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	URLs     []string      `yaml:"urls"`
	Timeout  time.Duration `yaml:"timeout" default:"30s"`
	PageSize int           `yaml:"page_size" default:"500"`

	// Authentication settings
	BindDN         string `yaml:"bind_dn"`
	Password       string `yaml:"password"`
	KerberosRealm  string `yaml:"kerberos_realm"`
	KerberosConfig string `yaml:"kerberos_config"`
	KerberosKeytab string `yaml:"kerberos_keytab"`
	KerberosSPN    string `yaml:"kerberos_spn"`

	// TLS settings
	StartTLS           bool   `yaml:"start_tls"`
	TLSCACertFile      string `yaml:"tls_ca_cert_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// Pool settings
	MaxConnections int           `yaml:"max_connections" default:"10"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" default:"5m"`
	HealthCheck    time.Duration `yaml:"health_check" default:"30s"`

	// Retry settings
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.BindDN != "") {
		return AuthMethodKerberos
	}
	return AuthMethodSimpleBind
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Total     int           // Total connections
	Active    int64         // Active (in-use) connections
	Idle      int           // Idle connections
	Unhealthy int           // Unhealthy connections
	Created   int64         // Total connections created
	Errors    int64         // Total connection errors
	Uptime    time.Duration // Pool uptime
}
