// Command ldapwrap runs directory operations against an LDAP server using a
// YAML connection configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/urfave/cli/v2"

	ldapclient "github.com/isometry/ldapwrap/internal/ldap"
)

// version is set at build time.
var version = "dev"

const envLogLevel = "LDAPWRAP_LOG"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "ldapwrap",
		Usage:   "Run directory operations against an LDAP server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Connection configuration file (YAML)",
				EnvVars:  []string{"LDAPWRAP_CONFIG"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			runCommand,
			searchCommand,
		},
	}
}

// newLogContext attaches the root logger and the library's subsystems to ctx.
// The level is read from LDAPWRAP_LOG; logging is off when it is unset.
func newLogContext(ctx context.Context) context.Context {
	if os.Getenv(envLogLevel) == "" {
		return ctx
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldapwrap"),
		tfsdklog.WithLevelFromEnv(envLogLevel),
		tfsdklog.WithoutLocation(),
	)
	return ldapclient.NewLogContext(ctx)
}

func loadConfig(c *cli.Context) (*ldapclient.ConnectionConfig, error) {
	return ldapclient.LoadConfig(c.String("config"))
}
