// Package postgres provides Postgres-backed document and error sinks.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harvestio/harvester/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool shared by the sinks.
type Config struct {
	DSN             string
	DocumentTable   string
	ErrorTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink writes crawled documents and crawl errors into Postgres.
type Sink struct {
	pool     execCloser
	docTable string
	errTable string
}

// New creates a Postgres-backed Sink using the provided config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	docTable, errTable, err := tables(cfg.DocumentTable, cfg.ErrorTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool, docTable: docTable, errTable: errTable}, nil
}

// NewWithPool constructs a Sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, documentTable, errorTable string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	docTable, errTable, err := tables(documentTable, errorTable)
	if err != nil {
		return nil, err
	}
	return &Sink{pool: pool, docTable: docTable, errTable: errTable}, nil
}

func tables(docTable, errTable string) (string, string, error) {
	if docTable == "" {
		docTable = "documents"
	}
	if errTable == "" {
		errTable = "crawl_errors"
	}
	for _, t := range []string{docTable, errTable} {
		if !validTableName.MatchString(t) {
			return "", "", fmt.Errorf("invalid table name %q", t)
		}
	}
	return docTable, errTable, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Index inserts a crawled document row.
func (s *Sink) Index(ctx context.Context, doc crawler.CrawledDocument) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("document sink is not configured")
	}
	if doc.CanonicalURL == "" {
		return fmt.Errorf("canonical url is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	canonical_url,
	fetched_at,
	status_code,
	content_type,
	content_hash,
	extracted_links,
	raw_content_ref
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.docTable)

	args := []any{
		doc.JobID,
		doc.CanonicalURL,
		doc.FetchedAt,
		doc.StatusCode,
		doc.ContentType,
		doc.ContentHash,
		doc.ExtractedLinks,
		doc.RawContentRef,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Record inserts a crawl error row.
func (s *Sink) Record(ctx context.Context, crawlErr crawler.CrawlError) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("error sink is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	domain,
	kind,
	message,
	attempts,
	last_status,
	occurred_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.errTable)

	args := []any{
		crawlErr.JobID,
		crawlErr.URL,
		crawlErr.Domain,
		string(crawlErr.Kind),
		crawlErr.Message,
		crawlErr.Attempts,
		crawlErr.LastStatus,
		crawlErr.At,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert crawl error: %w", err)
	}
	return nil
}
