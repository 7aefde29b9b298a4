// Package backup snapshots tables to JSON documents stored in an S3 bucket
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/database"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

// Uploader is the part of the S3 client used for backups
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Databases hands out the connection pool of an environment
type Databases interface {
	DB(environmentID string) (*database.DB, error)
}

// Snapshot is the document written for one backup
type Snapshot struct {
	MigrationID   string                              `json:"migration_id"`
	EnvironmentID string                              `json:"environment_id"`
	CreatedAt     time.Time                           `json:"created_at"`
	RowLimit      int                                 `json:"row_limit"`
	Tables        map[string][]map[string]interface{} `json:"tables"`
	Truncated     []string                            `json:"truncated,omitempty"`
}

// Provider implements the orchestrators' backup provider
type Provider struct {
	uploader Uploader
	dbs      Databases
	bucket   string
	prefix   string
	rowLimit int
	logger   logger.Logger
	now      func() time.Time
}

// NewClient builds an S3 client from the backup configuration
func NewClient(ctx context.Context, cfg config.BackupConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

// NewProvider creates a backup provider
func NewProvider(uploader Uploader, dbs Databases, cfg config.BackupConfig, log logger.Logger) *Provider {
	rowLimit := cfg.RowLimit
	if rowLimit <= 0 {
		rowLimit = 100000
	}
	return &Provider{
		uploader: uploader,
		dbs:      dbs,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		rowLimit: rowLimit,
		logger:   log,
		now:      time.Now,
	}
}

// Backup exports tables of env and returns the s3:// location of the snapshot
func (p *Provider) Backup(ctx context.Context, env model.Environment, migrationID string, tables []string) (string, error) {
	db, err := p.dbs.DB(env.ID)
	if err != nil {
		return "", err
	}

	snapshot := Snapshot{
		MigrationID:   migrationID,
		EnvironmentID: env.ID,
		CreatedAt:     p.now().UTC(),
		RowLimit:      p.rowLimit,
		Tables:        make(map[string][]map[string]interface{}, len(tables)),
	}
	for _, table := range tables {
		rows, truncated, err := p.export(ctx, db, table)
		if err != nil {
			return "", err
		}
		snapshot.Tables[table] = rows
		if truncated {
			snapshot.Truncated = append(snapshot.Truncated, table)
			p.logger.Warn("Backup truncated", "environment_id", env.ID, "table", table, "row_limit", p.rowLimit)
		}
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to encode backup: %w", err)
	}

	key := path.Join(p.prefix, env.ID, fmt.Sprintf("%s-%s.json", migrationID, snapshot.CreatedAt.Format("20060102T150405Z")))
	_, err = p.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	p.logger.Info("Backup stored", "environment_id", env.ID, "migration_id", migrationID, "location", location)
	return location, nil
}

// export reads up to rowLimit rows of table. Missing tables export as empty.
func (p *Provider) export(ctx context.Context, db *database.DB, table string) ([]map[string]interface{}, bool, error) {
	query, _, err := db.Builder().
		Select("*").
		From(database.QuoteIdent(db.Driver(), table)).
		Limit(uint64(p.rowLimit + 1)).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build backup query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		p.logger.Debug("Skipping table in backup", "table", table, "error", err)
		return []map[string]interface{}{}, false, nil
	}
	defer rows.Close()

	out, err := scanRows(rows, p.rowLimit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to export %s: %w", table, err)
	}
	if len(out) > p.rowLimit {
		return out[:p.rowLimit], true, nil
	}
	return out, false, nil
}

func scanRows(rows *sql.Rows, limit int) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]interface{}{}
	for rows.Next() && len(out) <= limit {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
