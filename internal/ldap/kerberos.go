package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// gssapiBinder performs a GSSAPI bind on a dialed connection.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// performKerberosBind authenticates conn with Kerberos credentials from cfg.
// principal is the bind DN passed to Bind; a user@REALM form overrides the
// configured realm.
func performKerberosBind(ctx context.Context, conn gssapiBinder, cfg *ConnectionConfig, server *ServerInfo, principal, password string) error {
	username, realm := splitPrincipal(principal, cfg.KerberosRealm)
	if realm == "" {
		return fmt.Errorf("kerberos realm is required (set kerberos_realm or bind as user@REALM)")
	}
	if username == "" {
		return fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = defaultKrb5Conf
	}

	if err := checkKrb5Conf(krb5confPath, realm); err != nil {
		LogKerberosEvent(ctx, "config_load_failed", map[string]any{
			"krb5_conf": krb5confPath,
			"error":     err.Error(),
		})
		return err
	}

	client, err := newGSSAPIClient(cfg, username, realm, password, krb5confPath)
	if err != nil {
		LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{
			"principal": username + "@" + realm,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn := buildServicePrincipal(cfg, server)

	LogKerberosEvent(ctx, "gssapi_bind", map[string]any{
		"principal": username + "@" + realm,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"spn":   spn,
			"error": err.Error(),
		})
		return err
	}

	LogKerberosEvent(ctx, "ticket_acquired", map[string]any{"spn": spn})
	return nil
}

// newGSSAPIClient picks credentials in order: credential cache from
// KRB5CCNAME, configured keytab, password.
func newGSSAPIClient(cfg *ConnectionConfig, username, realm, password, krb5confPath string) (*gssapi.Client, error) {
	if ccache := defaultCCachePath(); ccache != "" && fileExists(ccache) {
		return gssapi.NewClientFromCCache(ccache, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" {
		if !fileExists(cfg.KerberosKeytab) {
			return nil, fmt.Errorf("keytab not found at %s", cfg.KerberosKeytab)
		}
		return gssapi.NewClientWithKeytab(username, realm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if password != "" {
		return gssapi.NewClientWithPassword(username, realm, password, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// checkKrb5Conf loads the krb5.conf file and checks that it can resolve realm.
func checkKrb5Conf(path, realm string) error {
	if !fileExists(path) {
		return fmt.Errorf("kerberos configuration file not found at %s, "+
			"create it or set kerberos_config", path)
	}

	conf, err := krb5config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid kerberos configuration %s: %w", path, err)
	}

	if conf.LibDefaults.DNSLookupKDC {
		return nil
	}

	for _, r := range conf.Realms {
		if strings.EqualFold(r.Realm, realm) {
			return nil
		}
	}

	return fmt.Errorf("realm %s is not defined in %s and dns_lookup_kdc is disabled", realm, path)
}

// splitPrincipal separates user@REALM. Without a realm suffix fallbackRealm
// is returned.
func splitPrincipal(principal, fallbackRealm string) (string, string) {
	if user, realm, ok := strings.Cut(principal, "@"); ok && realm != "" {
		return user, strings.ToUpper(realm)
	}
	return principal, strings.ToUpper(fallbackRealm)
}

// buildServicePrincipal constructs the LDAP service principal name.
// cfg.KerberosSPN overrides the ldap/<host> default.
func buildServicePrincipal(cfg *ConnectionConfig, server *ServerInfo) string {
	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN
	}
	return fmt.Sprintf("ldap/%s", server.Host)
}

// defaultCCachePath returns the credential cache named by KRB5CCNAME.
func defaultCCachePath() string {
	ccache := os.Getenv("KRB5CCNAME")
	return strings.TrimPrefix(ccache, "FILE:")
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
