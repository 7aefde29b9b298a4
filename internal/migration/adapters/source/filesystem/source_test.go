package filesystem

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_users.up.sql":       {Data: []byte("CREATE TABLE users (id int);")},
		"001_create_users.down.sql":     {Data: []byte("DROP TABLE users;")},
		"002_add_orders.up.sql":         {Data: []byte("-- depends-on: 001_create_users\n-- owner: billing\nCREATE TABLE orders (id int);")},
		"002_add_orders.down.sql":       {Data: []byte("DROP TABLE orders;")},
		"002_add_orders.mysql.down.sql": {Data: []byte("DROP TABLE `orders`;")},
		"010_seed.sql":                  {Data: []byte("INSERT INTO users VALUES (1);")},
		"README.md":                     {Data: []byte("docs")},
		"notes.sql":                     {Data: []byte("SELECT 1;")},
		"dependencies.yaml":             {Data: []byte("dependencies:\n  010_seed: [001_create_users, 002_add_orders]\n")},
		"archive/000_old.up.sql":        {Data: []byte("SELECT 1;")},
	}
}

func TestSource_ListMigrations(t *testing.T) {
	src, err := NewFS(testFS(), "test")
	require.NoError(t, err)

	list, err := src.ListMigrations(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, d := range list {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"001_create_users", "002_add_orders", "010_seed"}, ids)
	assert.Equal(t, int64(10), list[2].OrderKey)
	assert.Equal(t, "add_orders", list[1].Name)
	assert.Equal(t, Checksum("CREATE TABLE users (id int);"), list[0].Checksum)
	assert.Len(t, list[0].Checksum, 64)
}

func TestSource_DeclaredDependencies(t *testing.T) {
	src, err := NewFS(testFS(), "test")
	require.NoError(t, err)

	d, err := src.GetMigration(context.Background(), "002_add_orders")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []string{"001_create_users"}, d.DependsOn)

	d, err = src.GetMigration(context.Background(), "010_seed")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_users", "002_add_orders"}, d.DependsOn)

	assert.Equal(t, []model.DependencyEdge{
		{DependsOn: "001_create_users", Dependent: "002_add_orders"},
		{DependsOn: "001_create_users", Dependent: "010_seed"},
		{DependsOn: "002_add_orders", Dependent: "010_seed"},
	}, src.Dependencies())
}

func TestSource_GenerateSQL(t *testing.T) {
	src, err := NewFS(testFS(), "test")
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name    string
		gen     func(context.Context, string, model.Driver) (string, error)
		id      string
		driver  model.Driver
		want    string
		wantErr string
	}{
		{name: "generic up", gen: src.GenerateUp, id: "001_create_users", driver: model.DriverPostgres, want: "CREATE TABLE users (id int);"},
		{name: "generic down", gen: src.GenerateDown, id: "002_add_orders", driver: model.DriverPostgres, want: "DROP TABLE orders;"},
		{name: "dialect down", gen: src.GenerateDown, id: "002_add_orders", driver: model.DriverMySQL, want: "DROP TABLE `orders`;"},
		{name: "bare file is up", gen: src.GenerateUp, id: "010_seed", driver: model.DriverMySQL, want: "INSERT INTO users VALUES (1);"},
		{name: "missing down", gen: src.GenerateDown, id: "010_seed", driver: model.DriverMySQL, wantErr: "no down migration for 010_seed"},
		{name: "unknown", gen: src.GenerateUp, id: "999_nope", wantErr: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := tt.gen(ctx, tt.id, tt.driver)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
		})
	}

	_, err = src.GenerateUp(ctx, "999_nope", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	d, err := src.GetMigration(ctx, "999_nope")
	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestSource_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		fs      fstest.MapFS
		wantErr string
	}{
		{
			name:    "down without up",
			fs:      fstest.MapFS{"001_a.down.sql": {Data: []byte("x")}},
			wantErr: "has no up file",
		},
		{
			name: "duplicate up",
			fs: fstest.MapFS{
				"001_a.up.sql": {Data: []byte("x")},
				"001_a.sql":    {Data: []byte("y")},
			},
			wantErr: "more than one up file",
		},
		{
			name: "manifest names unknown migration",
			fs: fstest.MapFS{
				"001_a.up.sql":      {Data: []byte("x")},
				"dependencies.yaml": {Data: []byte("dependencies:\n  002_b: [001_a]\n")},
			},
			wantErr: "unknown migration 002_b",
		},
		{
			name: "shared order key",
			fs: fstest.MapFS{
				"001_a.up.sql": {Data: []byte("x")},
				"001_b.up.sql": {Data: []byte("y")},
			},
			wantErr: "migrations 001_a and 001_b share order key 1",
		},
		{
			name: "same key with different padding",
			fs: fstest.MapFS{
				"1_a.up.sql":   {Data: []byte("x")},
				"001_b.up.sql": {Data: []byte("y")},
			},
			wantErr: "share order key 1",
		},
		{
			name:    "order prefix overflows",
			fs:      fstest.MapFS{"99999999999999999999_huge.up.sql": {Data: []byte("x")}},
			wantErr: "out of range",
		},
		{
			name: "header depends on a newer migration",
			fs: fstest.MapFS{
				"001_a.up.sql": {Data: []byte("-- depends-on: 002_b\nCREATE TABLE a (id int);")},
				"002_b.up.sql": {Data: []byte("CREATE TABLE b (id int);")},
			},
			wantErr: "migration 001_a depends on 002_b, which is not older",
		},
		{
			name: "manifest depends on a newer migration",
			fs: fstest.MapFS{
				"001_a.up.sql":      {Data: []byte("x")},
				"002_b.up.sql":      {Data: []byte("y")},
				"dependencies.yaml": {Data: []byte("dependencies:\n  001_a: [002_b]\n")},
			},
			wantErr: "which is not older",
		},
		{
			name: "broken manifest",
			fs: fstest.MapFS{
				"001_a.up.sql":      {Data: []byte("x")},
				"dependencies.yaml": {Data: []byte("dependencies: [")},
			},
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFS(tt.fs, "test")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSource_UnknownDependencyLoads(t *testing.T) {
	src, err := NewFS(fstest.MapFS{
		"002_b.up.sql": {Data: []byte("-- depends-on: 001_gone\nCREATE TABLE b (id int);")},
	}, "test")
	require.NoError(t, err)

	d, err := src.GetMigration(context.Background(), "002_b")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_gone"}, d.DependsOn)
}

func TestSource_Reload(t *testing.T) {
	fsys := fstest.MapFS{"001_a.up.sql": {Data: []byte("x")}}
	src, err := NewFS(fsys, "test")
	require.NoError(t, err)

	fsys["002_b.up.sql"] = &fstest.MapFile{Data: []byte("y")}
	require.NoError(t, src.Load())

	list, err := src.ListMigrations(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestParseDependsOn(t *testing.T) {
	content := "-- Migration: orders\n\n-- depends-on: 001_a, 002_b\n-- Depends-On: 002_b,003_c\nCREATE TABLE x();\n-- depends-on: 999_ignored\n"
	assert.Equal(t, []string{"001_a", "002_b", "003_c"}, parseDependsOn(content))
	assert.Nil(t, parseDependsOn("CREATE TABLE x();"))
}
