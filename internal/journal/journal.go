// Package journal records the lifecycle of multipart uploads in SQLite so
// that abandoned uploads can be found and swept explicitly.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"time"

	"github.com/eteran/cask/pkg/storage"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	ErrNotRecorded = errors.New("upload not recorded")
)

type State string

const (
	StateCreated   State = "created"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Upload is the recorded history of one multipart upload.
type Upload struct {
	ID        storage.MultipartUploadID
	Key       string
	State     State
	Chunks    int
	Bytes     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal wraps an ObjectStorage and records every multipart operation that
// succeeds on it. All other operations pass straight through. The storage
// stays the source of truth: a failure to record is logged, never returned.
type Journal struct {
	storage.ObjectStorage

	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
	limit  int
}

type Option func(*Journal)

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithSweepLimit bounds how many uploads Sweep cancels at once.
func WithSweepLimit(limit int) Option {
	return func(j *Journal) {
		j.limit = limit
	}
}

// initSchema applies the embedded SQL files in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}

		logger.Debug("Running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("run migration %s: %w", path, err)
		}
		return nil
	})
}

// Open opens (creating if needed) the journal database at dbPath and wraps
// next with it.
func Open(ctx context.Context, dbPath string, next storage.ObjectStorage, opts ...Option) (*Journal, error) {
	j := &Journal{
		ObjectStorage: next,
		now:           time.Now,
		logger:        slog.Default(),
		limit:         4,
	}

	for _, opt := range opts {
		opt(j)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db, j.logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	j.db = db
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) CreateMultipartUpload(ctx context.Context, key string) (storage.MultipartUploadID, error) {
	uploadID, err := j.ObjectStorage.CreateMultipartUpload(ctx, key)
	if err != nil {
		return "", err
	}

	now := j.now().UnixMilli()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads(upload_id, key, state, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		uploadID.String(), key, StateCreated, now, now)
	j.logFailure("record upload", uploadID, err)

	return uploadID, nil
}

func (j *Journal) UploadMultipartChunk(ctx context.Context, key string, uploadID storage.MultipartUploadID, partNumber int, data []byte) (storage.Chunk, error) {
	chunk, err := j.ObjectStorage.UploadMultipartChunk(ctx, key, uploadID, partNumber, data)
	if err != nil {
		return chunk, err
	}

	j.recordChunk(ctx, uploadID, chunk, int64(len(data)))
	return chunk, nil
}

func (j *Journal) UploadMultipartChunkStream(ctx context.Context, key string, uploadID storage.MultipartUploadID, partNumber int, chunks iter.Seq2[[]byte, error]) (storage.Chunk, error) {
	var size int64
	counted := func(yield func([]byte, error) bool) {
		for data, err := range chunks {
			size += int64(len(data))
			if !yield(data, err) {
				return
			}
		}
	}

	chunk, err := j.ObjectStorage.UploadMultipartChunkStream(ctx, key, uploadID, partNumber, counted)
	if err != nil {
		return chunk, err
	}

	j.recordChunk(ctx, uploadID, chunk, size)
	return chunk, nil
}

func (j *Journal) CompleteMultipartUpload(ctx context.Context, key string, uploadID storage.MultipartUploadID, chunks []storage.Chunk, expected string) error {
	if err := j.ObjectStorage.CompleteMultipartUpload(ctx, key, uploadID, chunks, expected); err != nil {
		return err
	}

	j.logFailure("record completion", uploadID, j.setState(ctx, uploadID, StateCompleted))
	return nil
}

func (j *Journal) CancelMultipartUpload(ctx context.Context, key string, uploadID storage.MultipartUploadID) error {
	if err := j.ObjectStorage.CancelMultipartUpload(ctx, key, uploadID); err != nil {
		return err
	}

	j.logFailure("record cancellation", uploadID, j.setState(ctx, uploadID, StateCancelled))
	return nil
}

func (j *Journal) recordChunk(ctx context.Context, uploadID storage.MultipartUploadID, chunk storage.Chunk, size int64) {
	now := j.now().UnixMilli()

	err := withTransaction(ctx, j.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_chunks(upload_id, chunk_id, part_number, size, created_at) VALUES(?, ?, ?, ?, ?)`,
			uploadID.String(), chunk.ID, chunk.Number, size, now); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE multipart_uploads SET updated_at = ? WHERE upload_id = ?`, now, uploadID.String())
		return err
	})
	j.logFailure("record chunk", uploadID, err)
}

func (j *Journal) setState(ctx context.Context, uploadID storage.MultipartUploadID, state State) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE multipart_uploads SET state = ?, updated_at = ? WHERE upload_id = ?`,
		state, j.now().UnixMilli(), uploadID.String())
	return err
}

func (j *Journal) logFailure(action string, uploadID storage.MultipartUploadID, err error) {
	if err != nil {
		j.logger.Warn("journal write failed", "action", action, "upload_id", uploadID, "err", err)
	}
}

const selectUploads = `
SELECT u.upload_id, u.key, u.state, u.created_at, u.updated_at,
       COUNT(c.chunk_id), COALESCE(SUM(c.size), 0)
FROM multipart_uploads u
LEFT JOIN multipart_chunks c ON c.upload_id = u.upload_id
`

// Get returns the recorded history of uploadID.
func (j *Journal) Get(ctx context.Context, uploadID storage.MultipartUploadID) (Upload, error) {
	rows, err := j.db.QueryContext(ctx, selectUploads+`WHERE u.upload_id = ? GROUP BY u.upload_id`, uploadID.String())
	if err != nil {
		return Upload{}, fmt.Errorf("query upload: %w", err)
	}

	uploads, err := scanUploads(rows)
	if err != nil {
		return Upload{}, err
	}

	if len(uploads) == 0 {
		return Upload{}, fmt.Errorf("%w: %s", ErrNotRecorded, uploadID)
	}
	return uploads[0], nil
}

// Stale lists the uploads still in flight that have not seen any activity
// for at least olderThan, oldest first.
func (j *Journal) Stale(ctx context.Context, olderThan time.Duration) ([]Upload, error) {
	cutoff := j.now().Add(-olderThan).UnixMilli()

	rows, err := j.db.QueryContext(ctx,
		selectUploads+`WHERE u.state = ? AND u.updated_at <= ? GROUP BY u.upload_id ORDER BY u.updated_at, u.upload_id`,
		StateCreated, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale uploads: %w", err)
	}

	return scanUploads(rows)
}

// Sweep cancels every upload Stale reports and returns how many it
// cancelled. Uploads whose staging is already gone are marked cancelled.
func (j *Journal) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := j.Stale(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(j.limit)

	for _, upload := range stale {
		g.Go(func() error {
			err := j.CancelMultipartUpload(ctx, upload.Key, upload.ID)
			if errors.Is(err, storage.ErrUploadNotFound) {
				return j.setState(ctx, upload.ID, StateCancelled)
			}
			if err != nil {
				return fmt.Errorf("sweep %s: %w", upload.ID, err)
			}

			j.logger.Info("Swept abandoned upload", "key", upload.Key, "upload_id", upload.ID, "chunks", upload.Chunks)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return len(stale), nil
}

func scanUploads(rows *sql.Rows) ([]Upload, error) {
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var (
			u         Upload
			id        string
			state     string
			createdAt int64
			updatedAt int64
		)

		if err := rows.Scan(&id, &u.Key, &state, &createdAt, &updatedAt, &u.Chunks, &u.Bytes); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}

		u.ID = storage.MultipartUploadID(id)
		u.State = State(state)
		u.CreatedAt = time.UnixMilli(createdAt)
		u.UpdatedAt = time.UnixMilli(updatedAt)
		uploads = append(uploads, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}

	return uploads, nil
}

// withTransaction runs fn within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
