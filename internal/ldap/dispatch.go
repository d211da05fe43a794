package ldap

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// operation describes how Do checks and invokes one Connection method.
type operation struct {
	name     string
	required []State // nil means any state
	strings  int     // leading arguments that must be strings
	minArgs  int
	maxArgs  int
	invoke   func(ctx context.Context, c *Connection, args []any) (any, error)
}

var operations = map[string]operation{
	"initialize": {
		name: "initialize", required: []State{StateCreated},
		invoke: func(ctx context.Context, c *Connection, _ []any) (any, error) {
			return nil, c.Initialize(ctx)
		},
	},
	"starttls": {
		name: "start_tls", required: []State{StateInitialized}, strings: 1, maxArgs: 1,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			certPath := ""
			if len(args) > 0 {
				certPath = args[0].(string)
			}
			return nil, c.StartTLS(ctx, certPath)
		},
	},
	"bind": {
		name: "bind", required: []State{StateInitialized}, strings: 2, minArgs: 2, maxArgs: 2,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return nil, c.Bind(ctx, args[0].(string), args[1].(string))
		},
	},
	"search": {
		name: "search", required: []State{StateBound}, strings: 3, minArgs: 3, maxArgs: 3,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Search(ctx, args[0].(string), args[1].(string), args[2].(string))
		},
	},
	"pagedsearch": {
		name: "paged_search", required: []State{StateBound}, strings: 3, minArgs: 4, maxArgs: 4,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			pageSize, err := toPageSize(args[3])
			if err != nil {
				return nil, err
			}
			return c.PagedSearch(ctx, args[0].(string), args[1].(string), args[2].(string), pageSize)
		},
	},
	"compare": {
		name: "compare", required: []State{StateBound}, strings: 3, minArgs: 3, maxArgs: 3,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Compare(ctx, args[0].(string), args[1].(string), args[2].(string))
		},
	},
	"modify": {
		name: "modify", required: []State{StateBound}, strings: 1, minArgs: 2, maxArgs: 3,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Modify(ctx, args[0].(string), args[1], optionalArg(args, 2))
		},
	},
	"rename": {
		name: "rename", required: []State{StateBound}, strings: 3, minArgs: 3, maxArgs: 4,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Rename(ctx, args[0].(string), args[1].(string), args[2].(string), optionalArg(args, 3))
		},
	},
	"delete": {
		name: "delete", required: []State{StateBound}, strings: 1, minArgs: 1, maxArgs: 2,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Delete(ctx, args[0].(string), optionalArg(args, 1))
		},
	},
	"add": {
		name: "add", required: []State{StateBound}, strings: 1, minArgs: 2, maxArgs: 3,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return c.Add(ctx, args[0].(string), args[1], optionalArg(args, 2))
		},
	},
	"changepassword": {
		name: "change_password", required: []State{StateBound}, strings: 3, minArgs: 3, maxArgs: 3,
		invoke: func(ctx context.Context, c *Connection, args []any) (any, error) {
			return nil, c.ChangePassword(ctx, args[0].(string), args[1].(string), args[2].(string))
		},
	},
	"unbind": {
		name: "unbind",
		invoke: func(ctx context.Context, c *Connection, _ []any) (any, error) {
			return nil, c.Unbind(ctx)
		},
	},
}

// canonicalOperation folds "pagedSearch", "paged_search" and "PAGED-SEARCH"
// to the same key.
func canonicalOperation(name string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(name))
}

// Do invokes an operation by name with untyped arguments, as decoded from a
// script. The state precondition is checked first, then argument types, then
// the typed method runs.
func (c *Connection) Do(ctx context.Context, op string, args ...any) (any, error) {
	def, ok := operations[canonicalOperation(op)]
	if !ok {
		return nil, &ValidationError{
			Operation: op,
			Message:   fmt.Sprintf("unknown operation %q", op),
		}
	}

	if def.required != nil {
		if err := c.requireState(def.name, def.required...); err != nil {
			return nil, err
		}
	}

	if len(args) < def.minArgs || len(args) > def.maxArgs {
		return nil, &ValidationError{
			Operation: def.name,
			Message:   arityMessage(def, len(args)),
		}
	}

	if err := validateStrings(def.name, args[:min(def.strings, len(args))]...); err != nil {
		return nil, err
	}

	return def.invoke(ctx, c, args)
}

func arityMessage(def operation, got int) string {
	if def.minArgs == def.maxArgs {
		return fmt.Sprintf("expected %d arguments, got %d", def.minArgs, got)
	}
	return fmt.Sprintf("expected %d to %d arguments, got %d", def.minArgs, def.maxArgs, got)
}

func optionalArg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// toPageSize accepts the numeric types produced by YAML and JSON decoders.
func toPageSize(v any) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int32:
		n = int(t)
	case int64:
		n = int(t)
	case uint64:
		if t > math.MaxInt32 {
			return 0, pageSizeError(v)
		}
		n = int(t)
	case float64:
		if t != math.Trunc(t) || t > math.MaxInt32 {
			return 0, pageSizeError(v)
		}
		n = int(t)
	default:
		return 0, &ValidationError{
			Operation:    "paged_search",
			Message:      fmt.Sprintf("page size must be a number, got %T", v),
			TypeMismatch: true,
		}
	}

	if n <= 0 {
		return 0, pageSizeError(v)
	}
	return n, nil
}

func pageSizeError(v any) error {
	return &ValidationError{
		Operation: "paged_search",
		Message:   fmt.Sprintf("page size must be a positive integer, got %v", v),
	}
}
