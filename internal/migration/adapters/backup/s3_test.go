package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/database"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

type recordingUploader struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (u *recordingUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.bucket = aws.ToString(in.Bucket)
	u.key = aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.body = body
	return &s3.PutObjectOutput{ETag: aws.String("etag")}, nil
}

type singleDB struct {
	db *database.DB
}

func (s singleDB) DB(string) (*database.DB, error) {
	return s.db, nil
}

func newSeededDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:", database.PoolConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)",
		"INSERT INTO users (email) VALUES ('a@x.io'), ('b@x.io'), ('c@x.io')",
		"CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO tags (name) VALUES ('go')",
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func TestBackupUploadsSnapshot(t *testing.T) {
	uploader := &recordingUploader{}
	p := NewProvider(uploader, singleDB{newSeededDB(t)}, config.BackupConfig{
		Bucket:   "backups",
		Prefix:   "migration-backups",
		RowLimit: 2,
	}, logger.NewNop())
	p.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }

	env := model.Environment{ID: "dev", Driver: model.DriverPostgres}
	location, err := p.Backup(context.Background(), env, "004_drop_users", []string{"users", "tags", "missing"})
	require.NoError(t, err)

	assert.Equal(t, "backups", uploader.bucket)
	assert.Equal(t, "migration-backups/dev/004_drop_users-20240501T103000Z.json", uploader.key)
	assert.Equal(t, "s3://backups/migration-backups/dev/004_drop_users-20240501T103000Z.json", location)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(uploader.body, &snapshot))
	assert.Equal(t, "004_drop_users", snapshot.MigrationID)
	assert.Equal(t, "dev", snapshot.EnvironmentID)
	assert.Len(t, snapshot.Tables["users"], 2)
	assert.Equal(t, "a@x.io", snapshot.Tables["users"][0]["email"])
	assert.Len(t, snapshot.Tables["tags"], 1)
	assert.Empty(t, snapshot.Tables["missing"])
	assert.Equal(t, []string{"users"}, snapshot.Truncated)
}

func TestBackupUploadFailure(t *testing.T) {
	uploader := &recordingUploader{err: errors.New("access denied")}
	p := NewProvider(uploader, singleDB{newSeededDB(t)}, config.BackupConfig{Bucket: "b"}, logger.NewNop())

	_, err := p.Backup(context.Background(), model.Environment{ID: "dev"}, "001_a", []string{"users"})
	assert.ErrorContains(t, err, "failed to upload backup: access denied")
}
