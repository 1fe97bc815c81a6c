package segments

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/chainhaven/dsnsync/pkg/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (CGo-free).
// It maintains separate read and write connection pools to the same
// database. The writer is limited to a single connection (WAL single-writer
// constraint), while the reader pool allows concurrent validator reads.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
}

// maxReadConns is the upper bound for the read connection pool.
// Beyond ~8 readers, SQLite WAL contention outweighs parallelism gains.
const maxReadConns = 8

// Open creates or opens a SQLite database at the given path.
// The read pool is sized to min(NumCPU, 8).
// The database is configured with WAL journal mode and a 5-second busy timeout.
func Open(path string) (*SQLiteStore, error) {
	poolSize := runtime.NumCPU()
	if poolSize > maxReadConns {
		poolSize = maxReadConns
	}

	writer, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := configureSQLite(writer); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("configure writer: %w", err)
	}

	reader, err := sql.Open("sqlite", path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(poolSize)

	if err := configureSQLite(reader); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("configure reader: %w", err)
	}

	s := &SQLiteStore{writer: writer, reader: reader}
	if err := s.migrate(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func configureSQLite(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.writer.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= 1 {
		return nil
	}

	ddl, err := migrations.ReadFile("migrations/001_init.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}

	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(string(ddl)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) AddSegmentHeaders(ctx context.Context, headers []types.SegmentHeader) error {
	if len(headers) == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Headers are immutable, so re-inserting an existing index is a no-op.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO segment_headers (segment_index, commitment, last_block_number, last_block_partial, continuation_bytes)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert header: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for i := range headers {
		h := &headers[i]
		if _, err := stmt.ExecContext(ctx,
			uint64(h.SegmentIndex), h.SegmentCommitment[:], h.LastArchivedBlock.Number,
			h.LastArchivedBlock.Partial, h.ContinuationBytes,
		); err != nil {
			return fmt.Errorf("insert header for segment %d: %w", h.SegmentIndex, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, index types.SegmentIndex) (*types.SegmentHeader, error) {
	var h types.SegmentHeader
	var segIdx uint64
	var commitment []byte
	err := s.reader.QueryRowContext(ctx,
		`SELECT segment_index, commitment, last_block_number, last_block_partial, continuation_bytes
		 FROM segment_headers WHERE segment_index = ?`,
		uint64(index)).
		Scan(&segIdx, &commitment, &h.LastArchivedBlock.Number, &h.LastArchivedBlock.Partial, &h.ContinuationBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query header for segment %d: %w", index, err)
	}
	h.SegmentIndex = types.SegmentIndex(segIdx)
	if len(commitment) != types.CommitmentSize {
		return nil, fmt.Errorf("invalid commitment size: got %d, want %d", len(commitment), types.CommitmentSize)
	}
	copy(h.SegmentCommitment[:], commitment)
	return &h, nil
}

func (s *SQLiteStore) MaxSegmentIndex(ctx context.Context) (types.SegmentIndex, error) {
	var max sql.NullInt64
	err := s.reader.QueryRowContext(ctx,
		`SELECT MAX(segment_index) FROM segment_headers`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max segment index: %w", err)
	}
	if !max.Valid {
		return 0, ErrNotFound
	}
	return types.SegmentIndex(max.Int64), nil
}

func (s *SQLiteStore) Checkpoint(ctx context.Context) (types.SegmentIndex, error) {
	var index uint64
	err := s.reader.QueryRowContext(ctx,
		`SELECT segment_index FROM checkpoint WHERE id = 1`).Scan(&index)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query checkpoint: %w", err)
	}
	return types.SegmentIndex(index), nil
}

func (s *SQLiteStore) SetCheckpoint(ctx context.Context, index types.SegmentIndex) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO checkpoint (id, segment_index, updated_at)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   segment_index = excluded.segment_index,
		   updated_at = excluded.updated_at`,
		uint64(index), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	rErr := s.reader.Close()
	wErr := s.writer.Close()
	if rErr != nil {
		return rErr
	}
	return wErr
}
