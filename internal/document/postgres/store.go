// Package postgres provides PostgreSQL storage for room documents.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // registers the postgres driver
	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/document"
	"github.com/choonkeat/codecollab/internal/filetree"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const table = "documents"

var documentColumns = []string{"room_token", "code", "file_tree", "created_at", "expires_at"}

// An expired row is reset as if freshly inserted. Otherwise the conflict
// update only touches the columns the statement is about.
const (
	expiredCond = "documents.expires_at <= EXCLUDED.created_at"

	recreateSuffix = "ON CONFLICT (room_token) DO UPDATE SET " +
		"code = '', file_tree = NULL, " +
		"created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at " +
		"WHERE " + expiredCond + " " +
		"RETURNING room_token, code, file_tree, created_at, expires_at"

	keepLifetime = "created_at = CASE WHEN " + expiredCond + " THEN EXCLUDED.created_at ELSE documents.created_at END, " +
		"expires_at = CASE WHEN " + expiredCond + " THEN EXCLUDED.expires_at ELSE documents.expires_at END"

	setCodeSuffix = "ON CONFLICT (room_token) DO UPDATE SET code = EXCLUDED.code, " +
		"file_tree = CASE WHEN " + expiredCond + " THEN NULL ELSE documents.file_tree END, " +
		keepLifetime

	setTreeSuffix = "ON CONFLICT (room_token) DO UPDATE SET file_tree = EXCLUDED.file_tree, " +
		"code = CASE WHEN " + expiredCond + " THEN '' ELSE documents.code END, " +
		keepLifetime
)

// Config configures the PostgreSQL document store.
type Config struct {
	TTL time.Duration
}

// Store implements document.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging database: %w", document.ErrUnavailable, err)
	}
	return db, nil
}

// New creates a PostgreSQL document store on an open database.
func New(db *sql.DB, cfg Config, logger *zap.Logger) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = document.DefaultTTL
	}
	return &Store{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("postgres"),
	}
}

// GetOrCreate inserts an empty document or recreates an expired one in a
// single statement. When the statement returns no row the existing live
// document is read back.
func (s *Store) GetOrCreate(ctx context.Context, room string) (*document.Document, document.Outcome, error) {
	now := s.now().UTC()
	query, args, err := psq.Insert(table).
		Columns("room_token", "code", "created_at", "expires_at").
		Values(room, "", now, now.Add(s.ttl)).
		Suffix(recreateSuffix).
		ToSql()
	if err != nil {
		return nil, document.Found, fmt.Errorf("building upsert: %w", err)
	}

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return doc, document.Created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, document.Found, fmt.Errorf("%w: creating document: %w", document.ErrUnavailable, err)
	}

	query, args, err = psq.Select(documentColumns...).
		From(table).
		Where(sq.Eq{"room_token": room}).
		ToSql()
	if err != nil {
		return nil, document.Found, fmt.Errorf("building select: %w", err)
	}
	doc, err = scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, document.Found, fmt.Errorf("%w: reading document: %w", document.ErrUnavailable, err)
	}
	return doc, document.Found, nil
}

// SetContent upserts the room's code.
func (s *Store) SetContent(ctx context.Context, room, code string) error {
	now := s.now().UTC()
	query, args, err := psq.Insert(table).
		Columns("room_token", "code", "created_at", "expires_at").
		Values(room, code, now, now.Add(s.ttl)).
		Suffix(setCodeSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("building content upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: saving content: %w", document.ErrUnavailable, err)
	}
	return nil
}

// SetFileTree upserts the room's file tree snapshot.
func (s *Store) SetFileTree(ctx context.Context, room string, tree filetree.Tree) error {
	var treeJSON any
	if len(tree) > 0 {
		treeJSON = []byte(tree)
	}

	now := s.now().UTC()
	query, args, err := psq.Insert(table).
		Columns("room_token", "code", "file_tree", "created_at", "expires_at").
		Values(room, "", treeJSON, now, now.Add(s.ttl)).
		Suffix(setTreeSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("building file tree upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: saving file tree: %w", document.ErrUnavailable, err)
	}
	return nil
}

// Cleanup removes expired documents.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	query, args, err := psq.Delete(table).
		Where(sq.LtOrEq{"expires_at": s.now().UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building cleanup: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleaning up documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting removed documents: %w", err)
	}
	return int(n), nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired documents. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Cleanup(ctx)
				if err != nil {
					s.logger.Warn("document cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Debug("expired documents removed", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// The database handle is owned by the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}

func scanDocument(row *sql.Row) (*document.Document, error) {
	var doc document.Document
	var treeJSON []byte

	if err := row.Scan(&doc.RoomToken, &doc.Code, &treeJSON, &doc.CreatedAt, &doc.ExpiresAt); err != nil {
		return nil, err
	}
	tree, err := filetree.Parse(treeJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding file tree: %w", err)
	}
	doc.FileTree = tree
	return &doc, nil
}

// Verify interface compliance.
var _ document.Store = (*Store)(nil)
