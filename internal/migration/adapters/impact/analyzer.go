// Package impact measures what a migration's SQL does to existing tables
package impact

import (
	"context"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/migration/domain/sqlparse"
	"github.com/linkflow-ai/migrator/internal/platform/database"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

// Defaults of the duration estimate
const (
	DefaultBaseDuration  = time.Second
	DefaultRowsPerSecond = 50000
)

// Generator produces the SQL of a migration
type Generator interface {
	GenerateUp(ctx context.Context, id string, driver model.Driver) (string, error)
	GenerateDown(ctx context.Context, id string, driver model.Driver) (string, error)
}

// Counter runs a single-value COUNT query against an environment
type Counter interface {
	Count(ctx context.Context, env model.Environment, query string) (int64, error)
}

// Analyzer implements the orchestrators' impact analyzer by parsing migration
// SQL and counting the rows of the tables it touches
type Analyzer struct {
	sql           Generator
	counter       Counter
	logger        logger.Logger
	baseDuration  time.Duration
	rowsPerSecond int64
}

// NewAnalyzer creates an analyzer. counter may be nil, in which case row counts are zero.
func NewAnalyzer(sql Generator, counter Counter, log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Analyzer{
		sql:           sql,
		counter:       counter,
		logger:        log,
		baseDuration:  DefaultBaseDuration,
		rowsPerSecond: DefaultRowsPerSecond,
	}
}

// AnalyzeApplyImpact reports the impact of the migration's up SQL
func (a *Analyzer) AnalyzeApplyImpact(ctx context.Context, env model.Environment, id string) ([]model.TableImpact, error) {
	sql, err := a.sql.GenerateUp(ctx, id, env.Driver)
	if err != nil {
		return nil, err
	}
	return a.analyze(ctx, env, sql)
}

// AnalyzeRollbackImpact reports the impact of the migration's down SQL
func (a *Analyzer) AnalyzeRollbackImpact(ctx context.Context, env model.Environment, id string) ([]model.TableImpact, error) {
	sql, err := a.sql.GenerateDown(ctx, id, env.Driver)
	if err != nil {
		return nil, err
	}
	return a.analyze(ctx, env, sql)
}

// EstimateDuration estimates a rollback from the size of the tables it touches
func (a *Analyzer) EstimateDuration(ctx context.Context, env model.Environment, id string) (time.Duration, error) {
	impacts, err := a.AnalyzeRollbackImpact(ctx, env, id)
	if err != nil {
		return 0, err
	}

	var rows int64
	for _, impact := range impacts {
		rows += impact.CurrentRowCount
	}
	return a.baseDuration + time.Duration(rows)*time.Second/time.Duration(a.rowsPerSecond), nil
}

func (a *Analyzer) analyze(ctx context.Context, env model.Environment, sql string) ([]model.TableImpact, error) {
	var impacts []model.TableImpact
	index := make(map[string]int)

	for _, stmt := range sqlparse.Parse(sql) {
		if stmt.Table == "" || stmt.Object != "" {
			continue
		}
		impact := model.TableImpact{Table: stmt.Table, Action: stmt.Action}

		switch stmt.Action {
		case model.TableActionDrop:
			impact.WillDropTable = true
			impact.CurrentRowCount = a.count(ctx, env, a.countAll(env, stmt.Table))
			impact.RowsToBeDeleted = impact.CurrentRowCount
		case model.TableActionTruncate:
			impact.CurrentRowCount = a.count(ctx, env, a.countAll(env, stmt.Table))
			impact.RowsToBeDeleted = impact.CurrentRowCount
		case model.TableActionDelete:
			impact.CurrentRowCount = a.count(ctx, env, a.countAll(env, stmt.Table))
			impact.RowsToBeDeleted = impact.CurrentRowCount
			if stmt.CountQuery != "" {
				impact.RowsToBeDeleted = a.count(ctx, env, stmt.CountQuery)
			}
		case model.TableActionAlter:
			impact.AffectedColumns = stmt.Columns
			if len(stmt.Columns) > 0 {
				impact.CurrentRowCount = a.count(ctx, env, a.countAll(env, stmt.Table))
			}
		}

		i, seen := index[stmt.Table]
		if !seen {
			index[stmt.Table] = len(impacts)
			impacts = append(impacts, impact)
			continue
		}
		impacts[i] = merge(impacts[i], impact)
	}
	return impacts, nil
}

// merge folds a later statement on the same table into an earlier impact
func merge(prev, next model.TableImpact) model.TableImpact {
	out := prev
	if next.WillDropTable {
		out.WillDropTable = true
		out.Action = model.TableActionDrop
	} else if severity(next.Action) > severity(out.Action) {
		out.Action = next.Action
	}
	out.AffectedColumns = append(out.AffectedColumns, next.AffectedColumns...)
	if next.CurrentRowCount > out.CurrentRowCount {
		out.CurrentRowCount = next.CurrentRowCount
	}
	out.RowsToBeDeleted += next.RowsToBeDeleted
	if out.RowsToBeDeleted > out.CurrentRowCount && out.CurrentRowCount > 0 {
		out.RowsToBeDeleted = out.CurrentRowCount
	}
	return out
}

func severity(action model.TableAction) int {
	switch action {
	case model.TableActionDrop:
		return 5
	case model.TableActionTruncate:
		return 4
	case model.TableActionDelete:
		return 3
	case model.TableActionAlter:
		return 2
	case model.TableActionUpdate, model.TableActionInsert:
		return 1
	}
	return 0
}

func (a *Analyzer) countAll(env model.Environment, table string) string {
	return "SELECT COUNT(*) FROM " + database.QuoteIdent(string(env.Driver), table)
}

// count returns 0 when the table can't be counted, for example because it doesn't exist yet
func (a *Analyzer) count(ctx context.Context, env model.Environment, query string) int64 {
	if a.counter == nil {
		return 0
	}
	n, err := a.counter.Count(ctx, env, query)
	if err != nil {
		a.logger.Debug("Row count failed", "environment_id", env.ID, "query", query, "error", err)
		return 0
	}
	return n
}
