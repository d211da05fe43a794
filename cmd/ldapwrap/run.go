package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	ldapclient "github.com/isometry/ldapwrap/internal/ldap"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Execute a script of operations on a single connection",
	ArgsUsage: "<script.yaml>",
	Description: `The script is a YAML list of steps, each naming an operation and its
arguments, for example:

  - op: initialize
  - op: bind
    args: ["cn=admin,dc=example,dc=com", "secret"]
  - op: search
    args: ["dc=example,dc=com", "SUBTREE", "(uid=alice)"]
  - op: unbind

One YAML document is written per step with its result or error.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Server URL (default: first URL in the configuration)",
		},
		&cli.BoolFlag{
			Name:  "keep-going",
			Usage: "Continue with the next step after a failure",
		},
	},
	Action: runScriptAction,
}

// step is one scripted operation.
type step struct {
	Op   string `yaml:"op"`
	Args []any  `yaml:"args"`
}

// stepResult is written for every executed step.
type stepResult struct {
	Step   int    `yaml:"step"`
	Op     string `yaml:"op"`
	Result any    `yaml:"result,omitempty"`
	Error  string `yaml:"error,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
}

func loadScript(path string) ([]step, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	var steps []step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}

	for i, s := range steps {
		if s.Op == "" {
			return nil, fmt.Errorf("step %d: op is required", i+1)
		}
	}

	return steps, nil
}

func runScriptAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("run requires exactly one script file")
	}

	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	steps, err := loadScript(c.Args().First())
	if err != nil {
		return err
	}

	host := c.String("url")
	if host == "" {
		host = config.URLs[0]
	}

	ctx := newLogContext(c.Context)
	conn := ldapclient.NewConnection(ctx, host, ldapclient.NewGoLDAPSession(ctx, config))
	defer func() {
		if conn.State() != ldapclient.StateUnbound {
			_ = conn.Unbind(ctx)
		}
	}()

	tflog.Info(ctx, "Running script", map[string]any{
		"host":  host,
		"steps": len(steps),
	})

	return runScript(ctx, conn, steps, c.App.Writer, c.Bool("keep-going"))
}

// runScript executes steps in order through Connection.Do. It stops at the
// first failure unless keepGoing is set.
func runScript(ctx context.Context, conn *ldapclient.Connection, steps []step, w io.Writer, keepGoing bool) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()

	failed := 0
	for i, s := range steps {
		record := stepResult{Step: i + 1, Op: s.Op}

		result, err := conn.Do(ctx, s.Op, s.Args...)
		if err == nil {
			record.Result, err = formatResult(ctx, result)
		}
		if err != nil {
			failed++
			record.Error = err.Error()
			record.Kind = string(ldapclient.KindOf(err))
		}

		if encErr := enc.Encode(record); encErr != nil {
			return fmt.Errorf("failed to write result: %w", encErr)
		}

		if err != nil && !keepGoing {
			return fmt.Errorf("step %d (%s) failed: %w", i+1, s.Op, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d steps failed", failed, len(steps))
	}
	return nil
}
