package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/livetemplate/kbase"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore keeps pages in one table. Blocks and tags are JSON text columns.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, dialectSQLite, logger)
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{db: db, dialect: d, logger: logger, now: clock}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	boolType := "INTEGER"
	if s.dialect == dialectPostgres {
		boolType = "BOOLEAN"
	}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pages (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'guide',
			tags TEXT NOT NULL DEFAULT '[]',
			blocks TEXT NOT NULL DEFAULT '[]',
			published ` + boolType + ` NOT NULL DEFAULT ` + s.falseLiteral() + `,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pages_slug ON pages(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_updated ON pages(updated_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	s.logger.Debug("schema ready", zap.String("dialect", s.dialectName()))
	return nil
}

func (s *SQLStore) List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error) {
	q := `SELECT id, slug, title, summary, category, tags, '[]', published, created_at, updated_at FROM pages`
	var args []any
	if !includeUnpublished {
		q += ` WHERE published = ?`
		args = append(args, true)
	}
	q += ` ORDER BY updated_at DESC, slug ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	pages := []kbase.PageDocument{}
	for rows.Next() {
		doc, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, doc.Listing())
	}
	return pages, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, slug string) (*kbase.PageDocument, error) {
	return s.get(ctx, s.db, slug)
}

func (s *SQLStore) Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error) {
	created, err := prepareCreate(doc, s.now())
	if err != nil {
		return nil, err
	}
	tags, blocks, err := encodeColumns(created)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO pages
		(id, slug, title, summary, category, tags, blocks, published, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		created.ID, created.Slug, created.Title, created.Summary, string(created.Category),
		tags, blocks, created.Published,
		created.CreatedAt.Format(timeLayout), created.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &kbase.ConflictError{Slug: created.Slug}
		}
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.logger.Info("page created", zap.String("slug", created.Slug), zap.String("id", created.ID))
	return &created, nil
}

func (s *SQLStore) Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.get(ctx, tx, slug)
	if err != nil {
		return nil, err
	}
	updated, err := applyPatch(*existing, patch, s.now())
	if err != nil {
		return nil, err
	}
	tags, blocks, err := encodeColumns(updated)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE pages SET
		slug = ?, title = ?, summary = ?, category = ?, tags = ?, blocks = ?, published = ?, updated_at = ?
		WHERE id = ?`),
		updated.Slug, updated.Title, updated.Summary, string(updated.Category),
		tags, blocks, updated.Published, updated.UpdatedAt.Format(timeLayout), updated.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &kbase.ConflictError{Slug: updated.Slug}
		}
		return nil, fmt.Errorf("update page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return &updated, nil
}

func (s *SQLStore) Delete(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM pages WHERE slug = ?`), slug)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	if n == 0 {
		return kbase.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q querier, slug string) (*kbase.PageDocument, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT id, slug, title, summary, category, tags, blocks, published, created_at, updated_at
		FROM pages WHERE slug = ?`), slug)
	doc, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kbase.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(sc scanner) (kbase.PageDocument, error) {
	var (
		doc                  kbase.PageDocument
		category             string
		tags, blocks         string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&doc.ID, &doc.Slug, &doc.Title, &doc.Summary, &category, &tags, &blocks,
		&doc.Published, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return doc, err
		}
		return doc, fmt.Errorf("scan page: %w", err)
	}
	doc.Category = kbase.Category(category)

	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return doc, fmt.Errorf("decode tags of %s: %w", doc.Slug, err)
	}
	var records []kbase.BlockRecord
	if err := json.Unmarshal([]byte(blocks), &records); err != nil {
		return doc, fmt.Errorf("decode blocks of %s: %w", doc.Slug, err)
	}
	decoded, err := kbase.DecodeBlocks(records)
	if err != nil {
		return doc, fmt.Errorf("decode blocks of %s: %w", doc.Slug, err)
	}
	doc.Blocks = decoded

	var perr error
	if doc.CreatedAt, perr = time.Parse(timeLayout, createdAt); perr != nil {
		return doc, fmt.Errorf("parse created_at: %w", perr)
	}
	if doc.UpdatedAt, perr = time.Parse(timeLayout, updatedAt); perr != nil {
		return doc, fmt.Errorf("parse updated_at: %w", perr)
	}
	return doc, nil
}

func encodeColumns(doc kbase.PageDocument) (tags, blocks string, err error) {
	t := doc.Tags
	if t == nil {
		t = []string{}
	}
	tb, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	bb, err := json.Marshal(kbase.ToRecords(doc.Blocks))
	if err != nil {
		return "", "", fmt.Errorf("encode blocks: %w", err)
	}
	return string(tb), string(bb), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) falseLiteral() string {
	if s.dialect == dialectPostgres {
		return "FALSE"
	}
	return "0"
}

func (s *SQLStore) dialectName() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return false
}
