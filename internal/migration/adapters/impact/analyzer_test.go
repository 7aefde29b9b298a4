package impact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

type fakeGenerator struct {
	up   map[string]string
	down map[string]string
}

func (g fakeGenerator) GenerateUp(_ context.Context, id string, _ model.Driver) (string, error) {
	sql, ok := g.up[id]
	if !ok {
		return "", model.NewNotFoundError(id)
	}
	return sql, nil
}

func (g fakeGenerator) GenerateDown(_ context.Context, id string, _ model.Driver) (string, error) {
	sql, ok := g.down[id]
	if !ok {
		return "", model.NewNotFoundError(id)
	}
	return sql, nil
}

type fakeCounter map[string]int64

func (c fakeCounter) Count(_ context.Context, _ model.Environment, query string) (int64, error) {
	n, ok := c[query]
	if !ok {
		return 0, errors.New("relation does not exist")
	}
	return n, nil
}

var pg = model.Environment{ID: "dev", Driver: model.DriverPostgres}

func TestAnalyzeRollbackImpact(t *testing.T) {
	gen := fakeGenerator{down: map[string]string{
		"003_orders": `DELETE FROM orders WHERE status = 'void'; DROP TABLE order_items;`,
		"004_users":  `ALTER TABLE users DROP COLUMN email;`,
		"005_create": `DROP TABLE brand_new;`,
	}}
	counter := fakeCounter{
		`SELECT COUNT(*) FROM "orders"`:                     5000,
		`SELECT COUNT(*) FROM orders WHERE status = 'void'`: 1200,
		`SELECT COUNT(*) FROM "order_items"`:                40,
		`SELECT COUNT(*) FROM "users"`:                      10,
	}
	a := NewAnalyzer(gen, counter, nil)
	ctx := context.Background()

	impacts, err := a.AnalyzeRollbackImpact(ctx, pg, "003_orders")
	require.NoError(t, err)
	assert.Equal(t, []model.TableImpact{
		{Table: "orders", Action: model.TableActionDelete, CurrentRowCount: 5000, RowsToBeDeleted: 1200},
		{Table: "order_items", Action: model.TableActionDrop, CurrentRowCount: 40, RowsToBeDeleted: 40, WillDropTable: true},
	}, impacts)

	impacts, err = a.AnalyzeRollbackImpact(ctx, pg, "004_users")
	require.NoError(t, err)
	require.Len(t, impacts, 1)
	assert.True(t, impacts[0].DropsColumns())
	assert.Equal(t, []string{"email"}, impacts[0].AffectedColumns)
	assert.Equal(t, int64(10), impacts[0].CurrentRowCount)

	// uncountable tables report zero rows
	impacts, err = a.AnalyzeRollbackImpact(ctx, pg, "005_create")
	require.NoError(t, err)
	require.Len(t, impacts, 1)
	assert.True(t, impacts[0].WillDropTable)
	assert.Zero(t, impacts[0].CurrentRowCount)

	_, err = a.AnalyzeRollbackImpact(ctx, pg, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAnalyzeApplyImpactMergesStatements(t *testing.T) {
	gen := fakeGenerator{up: map[string]string{
		"001_init": `CREATE TABLE users (id int); INSERT INTO users VALUES (1); ALTER TABLE users ADD COLUMN name text;`,
	}}
	a := NewAnalyzer(gen, nil, nil)

	impacts, err := a.AnalyzeApplyImpact(context.Background(), pg, "001_init")
	require.NoError(t, err)
	assert.Equal(t, []model.TableImpact{{Table: "users", Action: model.TableActionAlter}}, impacts)
}

func TestEstimateDuration(t *testing.T) {
	gen := fakeGenerator{down: map[string]string{
		"002_big":   `DROP TABLE events;`,
		"003_empty": `SELECT 1;`,
	}}
	a := NewAnalyzer(gen, fakeCounter{`SELECT COUNT(*) FROM "events"`: 100000}, nil)
	ctx := context.Background()

	d, err := a.EstimateDuration(ctx, pg, "002_big")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = a.EstimateDuration(ctx, pg, "003_empty")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseDuration, d)

	_, err = a.EstimateDuration(ctx, pg, "nope")
	assert.Error(t, err)
}
