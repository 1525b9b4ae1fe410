package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/renderproof/renderproof/internal/model"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL connection pool and verifies it.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Health checks database connectivity.
func (p *Postgres) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// schemaStmts declares the regression tables. No table carries a
// foreign key to its parent: persistence writes leaves first and the
// parent document last, so child rows legitimately exist before their
// document on a fresh database.
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		hash          TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		ext           TEXT NOT NULL,
		path          TEXT NOT NULL,
		tags          JSONB NOT NULL DEFAULT '[]',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS reference_runs (
		hash          TEXT NOT NULL,
		version       TEXT NOT NULL,
		run_type      TEXT NOT NULL DEFAULT '',
		document_name TEXT NOT NULL,
		diff_versions JSONB NOT NULL DEFAULT '[]',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (hash, version)
	)`,
	`CREATE TABLE IF NOT EXISTS pages (
		hash          TEXT NOT NULL,
		version       TEXT NOT NULL,
		page_num      INTEGER NOT NULL,
		document_name TEXT NOT NULL,
		ext           TEXT NOT NULL,
		path          TEXT NOT NULL,
		binary        BYTEA,
		PRIMARY KEY (hash, version, page_num)
	)`,
	`CREATE TABLE IF NOT EXISTS differences (
		hash          TEXT NOT NULL,
		version       TEXT NOT NULL,
		document_name TEXT NOT NULL,
		pages         JSONB NOT NULL DEFAULT '{}',
		metrics       JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (hash, version)
	)`,
	`CREATE TABLE IF NOT EXISTS difference_metrics (
		hash            TEXT NOT NULL,
		ref_version     TEXT NOT NULL,
		tar_version     TEXT NOT NULL,
		page_num        INTEGER NOT NULL,
		document_name   TEXT NOT NULL,
		diff_percentage DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (hash, ref_version, tar_version, page_num)
	)`,
}

// EnsureSchema creates the regression tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// FindDocument returns a document with its reference versions populated
// shallowly.
func (p *Postgres) FindDocument(ctx context.Context, hash string) (*model.Document, error) {
	doc := &model.Document{References: make(map[string]*model.Reference)}
	var tags []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT hash, name, ext, path, tags FROM documents WHERE hash = $1`, hash,
	).Scan(&doc.Hash, &doc.Name, &doc.Ext, &doc.Path, &tags)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	if err := json.Unmarshal(tags, &doc.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode document tags: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT version FROM reference_runs WHERE hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan reference version: %w", err)
		}
		doc.References[version] = &model.Reference{
			Hash:         doc.Hash,
			Version:      version,
			DocumentName: doc.Name,
		}
	}
	return doc, rows.Err()
}

// FindReference returns a reference run with its diffed target versions
// populated shallowly.
func (p *Postgres) FindReference(ctx context.Context, hash, version string) (*model.Reference, error) {
	ref := &model.Reference{
		Pages: make(map[int]*model.Page),
		Diffs: make(map[string]*model.Difference),
	}
	var diffVersions []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT hash, version, run_type, document_name, diff_versions
		 FROM reference_runs WHERE hash = $1 AND version = $2`, hash, version,
	).Scan(&ref.Hash, &ref.Version, &ref.Type, &ref.DocumentName, &diffVersions)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reference run: %w", err)
	}

	var versions []string
	if err := json.Unmarshal(diffVersions, &versions); err != nil {
		return nil, fmt.Errorf("failed to decode diff versions: %w", err)
	}
	for _, v := range versions {
		ref.Diffs[v] = &model.Difference{
			Hash:         ref.Hash,
			Version:      v,
			DocumentName: ref.DocumentName,
		}
	}
	return ref, nil
}

// UpsertDocument inserts the document if absent.
func (p *Postgres) UpsertDocument(ctx context.Context, doc *model.Document) error {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode document tags: %w", err)
	}
	if doc.Tags == nil {
		tags = []byte("[]")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO documents (hash, name, ext, path, tags)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash) DO NOTHING`,
		doc.Hash, doc.Name, doc.Ext, doc.Path, tags)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// UpsertReference inserts the reference run if absent, growing only its
// set of diffed target versions on conflict.
func (p *Postgres) UpsertReference(ctx context.Context, ref *model.Reference) error {
	versions := make([]string, 0, len(ref.Diffs))
	for v := range ref.Diffs {
		versions = append(versions, v)
	}
	diffVersions, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("failed to encode diff versions: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO reference_runs (hash, version, run_type, document_name, diff_versions)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash, version) DO UPDATE
		 SET diff_versions = (
			SELECT COALESCE(jsonb_agg(DISTINCT v), '[]'::jsonb)
			FROM jsonb_array_elements(reference_runs.diff_versions || EXCLUDED.diff_versions) AS t(v)
		 )`,
		ref.Hash, ref.Version, ref.Type, ref.DocumentName, diffVersions)
	if err != nil {
		return fmt.Errorf("failed to upsert reference run: %w", err)
	}
	return nil
}

// UpsertPage inserts or overwrites a rendered page record.
func (p *Postgres) UpsertPage(ctx context.Context, page *model.Page) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pages (hash, version, page_num, document_name, ext, path, binary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (hash, version, page_num) DO UPDATE
		 SET document_name = EXCLUDED.document_name,
		     ext           = EXCLUDED.ext,
		     path          = EXCLUDED.path,
		     binary        = EXCLUDED.binary`,
		page.Hash, page.Version, page.PageNum, page.DocumentName, page.Ext, page.Path, page.Binary)
	if err != nil {
		return fmt.Errorf("failed to upsert page: %w", err)
	}
	return nil
}

// UpsertDifference merges the difference's per-page diff images and
// metrics into any existing record via a JSONB union, so a re-run or a
// later reference version only adds pages.
func (p *Postgres) UpsertDifference(ctx context.Context, diff *model.Difference) error {
	pages, err := json.Marshal(diff.Pages)
	if err != nil {
		return fmt.Errorf("failed to encode diff pages: %w", err)
	}
	metrics, err := json.Marshal(diff.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	// A nil map marshals to JSON null, which breaks the JSONB union.
	if diff.Pages == nil {
		pages = []byte("{}")
	}
	if diff.Metrics == nil {
		metrics = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO differences (hash, version, document_name, pages, metrics)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash, version) DO UPDATE
		 SET pages   = differences.pages || EXCLUDED.pages,
		     metrics = differences.metrics || EXCLUDED.metrics`,
		diff.Hash, diff.Version, diff.DocumentName, pages, metrics)
	if err != nil {
		return fmt.Errorf("failed to upsert difference: %w", err)
	}
	return nil
}

// UpsertMetric inserts or overwrites one per-page metric.
func (p *Postgres) UpsertMetric(ctx context.Context, m *model.DifferenceMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO difference_metrics (hash, ref_version, tar_version, page_num, document_name, diff_percentage)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (hash, ref_version, tar_version, page_num) DO UPDATE
		 SET diff_percentage = EXCLUDED.diff_percentage,
		     document_name   = EXCLUDED.document_name`,
		m.Hash, m.RefVersion, m.TarVersion, m.PageNum, m.DocumentName, m.DiffPercentage)
	if err != nil {
		return fmt.Errorf("failed to upsert metric: %w", err)
	}
	return nil
}
