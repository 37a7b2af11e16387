package teams

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJournalTableName        = "picvault_journal"
	postgresJournalOperationTimeout = 5 * time.Second
)

type EntryKind string

const (
	EntryTeamCreated EntryKind = "team_created"
	EntryMemberLeft  EntryKind = "member_left"
	EntryTeamClosed  EntryKind = "team_closed"
	EntryTeamDeleted EntryKind = "team_deleted"
	EntryFileStored  EntryKind = "file_stored"
)

// JournalEntry is one appended audit fact: a membership change or a stored
// submission file.
type JournalEntry struct {
	Kind         EntryKind `json:"kind"`
	TeamName     string    `json:"teamName,omitempty"`
	MemberID     int64     `json:"memberId,omitempty"`
	ChannelID    int64     `json:"channelId,omitempty"`
	MessageID    int64     `json:"messageId,omitempty"`
	AttachmentID int64     `json:"attachmentId,omitempty"`
	Path         string    `json:"path,omitempty"`
	At           time.Time `json:"at"`
}

// Journal is an append-only audit sink. Recording must never block the
// registry for long; errors are reported to the caller and logged there.
type Journal interface {
	Record(entry JournalEntry) error
	Close() error
}

type NopJournal struct{}

func (NopJournal) Record(JournalEntry) error { return nil }
func (NopJournal) Close() error              { return nil }

// FileJournal appends entries as JSON lines to a single file.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

func NewFileJournal(path string) (*FileJournal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileJournal{path: path}, nil
}

func (j *FileJournal) Record(entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (j *FileJournal) Close() error { return nil }

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJournal appends entries to a Postgres table, creating it on first
// use. The connection opens lazily so a misconfigured DSN surfaces on the
// first Record call, not at wiring time.
type PostgresJournal struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJournal{
		dsn:       dsn,
		tableName: postgresJournalTableName,
		openDB:    sql.Open,
	}, nil
}

func (j *PostgresJournal) Record(entry JournalEntry) error {
	if err := j.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresJournalOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (kind, entry) VALUES ($1, $2)",
		postgresQuoteIdentifier(j.tableName),
	)
	_, err = j.db.ExecContext(ctx, query, string(entry.Kind), string(payload))
	return err
}

func (j *PostgresJournal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *PostgresJournal) ensureReady() error {
	j.initOnce.Do(func() {
		db, err := j.openDB("postgres", j.dsn)
		if err != nil {
			j.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresJournalOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				entry TEXT NOT NULL,
				recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(j.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			j.initErr = err
			return
		}
		j.db = db
	})
	return j.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// BuildJournalFromDSN selects a journal backend by scheme. An empty DSN
// means no journaling; the registry substitutes a NopJournal.
func BuildJournalFromDSN(dsn string) (Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJournal(path)
	case "nop", "none":
		return NopJournal{}, nil
	case "postgres", "postgresql":
		return NewPostgresJournal(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: journal backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported journal scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
