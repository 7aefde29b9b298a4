package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/migration/domain/sqlparse"
)

// RequireProductionConfirmation vetoes real applies to production environments
// unless the caller set SkipConfirmation. Dry runs always proceed.
func RequireProductionConfirmation() PreExecutionHook {
	return func(_ context.Context, req HookRequest) Decision {
		if !req.Environment.IsProduction || req.Options.DryRun || req.Options.SkipConfirmation {
			return Proceed()
		}
		return Veto("applying to production requires confirmation; retry with skip_confirmation")
	}
}

// BlockDestructiveInProduction vetoes production applies whose up SQL drops a
// table, schema, database or column, or truncates a table, regardless of
// confirmation
func BlockDestructiveInProduction() PreExecutionHook {
	return func(_ context.Context, req HookRequest) Decision {
		if !req.Environment.IsProduction || req.Options.DryRun {
			return Proceed()
		}
		found := sqlparse.Destructive(req.SQL)
		if len(found) == 0 {
			return Proceed()
		}
		effects := make([]string, 0, len(found))
		for _, stmt := range found {
			effects = append(effects, describe(stmt))
		}
		return Veto("destructive statements are not allowed in production applies: " + strings.Join(effects, ", "))
	}
}

func describe(stmt sqlparse.Statement) string {
	switch {
	case stmt.Object != "":
		return fmt.Sprintf("drop %s %s", stmt.Object, stmt.Table)
	case stmt.Action == model.TableActionAlter:
		return fmt.Sprintf("drop column %s.%s", stmt.Table, strings.Join(stmt.Columns, ","))
	default:
		return fmt.Sprintf("%s %s", stmt.Action, stmt.Table)
	}
}

// ChainHooks runs hooks in order and returns the first veto
func ChainHooks(hooks ...PreExecutionHook) PreExecutionHook {
	return func(ctx context.Context, req HookRequest) Decision {
		for _, hook := range hooks {
			if hook == nil {
				continue
			}
			if d := hook(ctx, req); !d.Proceed {
				return d
			}
		}
		return Proceed()
	}
}
