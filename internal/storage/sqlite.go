package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps the durable copy of channel history. The in-memory copy held
// by the channel registry is capped; this one is not.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) history.db in dataDir and runs pending migrations.
// Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "history.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: avoids "database is locked" and keeps :memory: a
	// single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- History ---

// AppendHistory stores one round. Writing the same (channel, job) twice keeps
// the first row.
func (s *Store) AppendHistory(ctx context.Context, code string, e types.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO channel_history
		(channel, sn, job_id, kind, state, query, answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code, int64(e.Sequence), e.JobID, string(e.Kind), string(e.State),
		nullableJSON(e.Query), nullableJSON(e.Answer), e.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting history for %s: %w", code, err)
	}
	return nil
}

// ListHistory returns the latest limit rounds of a channel, oldest first.
// limit <= 0 returns everything.
func (s *Store) ListHistory(ctx context.Context, code string, limit int) ([]types.HistoryEntry, error) {
	q := `SELECT sn, job_id, kind, state, query, answer, created_at FROM (
		SELECT * FROM channel_history WHERE channel = ? ORDER BY sn DESC`
	args := []any{code}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	q += ") ORDER BY sn ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", code, err)
	}
	defer rows.Close()

	var out []types.HistoryEntry
	for rows.Next() {
		var (
			e             types.HistoryEntry
			sn            int64
			kind, state   string
			query, answer sql.NullString
		)
		if err := rows.Scan(&sn, &e.JobID, &kind, &state, &query, &answer, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Sequence = uint64(sn)
		e.Kind = types.JobKind(kind)
		e.State = types.JobState(state)
		if query.Valid {
			e.Query = json.RawMessage(query.String)
		}
		if answer.Valid {
			e.Answer = json.RawMessage(answer.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteHistory drops every round of a channel.
func (s *Store) DeleteHistory(ctx context.Context, code string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channel_history WHERE channel = ?", code)
	if err != nil {
		return 0, fmt.Errorf("deleting history for %s: %w", code, err)
	}
	return res.RowsAffected()
}

func nullableJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
