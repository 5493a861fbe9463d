package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/session"
)

// SQLiteStore persists events and bundles in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ledger.Store        = (*SQLiteStore)(nil)
	_ session.BundleStore = (*SQLiteStore)(nil)
)

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite supports one writer; a single pooled connection avoids
	// spurious SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the handle; tests use it to simulate storage corruption.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		stream_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		event_id   TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL,
		prev_hash  TEXT NOT NULL,
		timestamp  TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		signatures TEXT NOT NULL,
		PRIMARY KEY (stream_id, seq),
		UNIQUE (stream_id, event_id)
	);
	CREATE TABLE IF NOT EXISTS stream_tips (
		stream_id TEXT PRIMARY KEY,
		tip_hash  TEXT NOT NULL,
		seq       INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bundles (
		stream_id     TEXT NOT NULL,
		session_index INTEGER NOT NULL,
		data          TEXT NOT NULL,
		PRIMARY KEY (stream_id, session_index)
	);
	CREATE TABLE IF NOT EXISTS signing_keys (
		key_id     TEXT PRIMARY KEY,
		public_key TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendCAS(ctx context.Context, e *ledger.Event, expectedTip string) error {
	sigs, err := json.Marshal(e.Signatures)
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	curTip := ledger.GenesisHash
	var curSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = ?`, e.StreamID).
		Scan(&curTip, &curSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read tip: %w", err)
	}
	if curTip != expectedTip {
		return &ledger.StreamConflictError{StreamID: e.StreamID, ExpectedTip: expectedTip, ActualTip: curTip}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (stream_id, seq, event_id, event_type, payload, prev_hash, timestamp, event_hash, signatures)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StreamID, e.Seq, e.EventID, string(e.Type), string(e.Payload),
		e.PrevHash, e.Timestamp, e.EventHash, string(sigs))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if curSeq == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stream_tips (stream_id, tip_hash, seq) VALUES (?, ?, ?)`,
			e.StreamID, e.EventHash, e.Seq)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`UPDATE stream_tips SET tip_hash = ?, seq = ? WHERE stream_id = ? AND tip_hash = ?`,
			e.EventHash, e.Seq, e.StreamID, expectedTip)
		if err == nil {
			var n int64
			n, err = res.RowsAffected()
			if err == nil && n == 0 {
				return &ledger.StreamConflictError{StreamID: e.StreamID, ExpectedTip: expectedTip, ActualTip: "unknown"}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("advance tip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

const eventColumns = `stream_id, seq, event_id, event_type, payload, prev_hash, timestamp, event_hash, signatures`

func (s *SQLiteStore) Get(ctx context.Context, streamID, eventID string) (*ledger.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream_id = ? AND event_id = ?`,
		streamID, eventID)
	return scanEvent(row)
}

func (s *SQLiteStore) GetBySeq(ctx context.Context, streamID string, seq uint64) (*ledger.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream_id = ? AND seq = ?`,
		streamID, seq)
	return scanEvent(row)
}

func (s *SQLiteStore) Range(ctx context.Context, streamID string, fromSeq, toSeq uint64) ([]*ledger.Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE stream_id = ? AND seq >= ?`
	args := []interface{}{streamID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Tip(ctx context.Context, streamID string) (string, uint64, error) {
	var tip string
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = ?`, streamID).
		Scan(&tip, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read tip: %w", err)
	}
	return tip, seq, nil
}

func (s *SQLiteStore) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id FROM stream_tips ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutBundle(ctx context.Context, b *session.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bundles (stream_id, session_index, data) VALUES (?, ?, ?)`,
		b.StreamID, b.SessionIndex, string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &session.SessionConflictError{StreamID: b.StreamID, SessionIndex: b.SessionIndex}
		}
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBundle(ctx context.Context, streamID string, sessionIndex uint64) (*session.Bundle, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM bundles WHERE stream_id = ? AND session_index = ?`,
		streamID, sessionIndex).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s session %d: %w", streamID, sessionIndex, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b session.Bundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) Bundles(ctx context.Context, streamID string) ([]*session.Bundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM bundles WHERE stream_id = ? ORDER BY session_index`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var out []*session.Bundle
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b session.Bundle
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("decode bundle: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// RegisterKey persists a signer's public key so later processes can verify
// signatures without the original ring.
func (s *SQLiteStore) RegisterKey(ctx context.Context, keyID, publicKeyHex string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (key_id, public_key) VALUES (?, ?)
		 ON CONFLICT (key_id) DO UPDATE SET public_key = excluded.public_key`,
		keyID, publicKeyHex)
	if err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

// Keys returns all persisted public keys, key_id to hex.
func (s *SQLiteStore) Keys(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, public_key FROM signing_keys`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var keyID, pub string
		if err := rows.Scan(&keyID, &pub); err != nil {
			return nil, err
		}
		out[keyID] = pub
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*ledger.Event, error) {
	var e ledger.Event
	var eventType, payload, sigs string
	err := row.Scan(&e.StreamID, &e.Seq, &e.EventID, &eventType, &payload,
		&e.PrevHash, &e.Timestamp, &e.EventHash, &sigs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Type = ledger.EventType(eventType)
	e.Payload = []byte(payload)
	if sigs != "" {
		var parsed []crypto.Signature
		if err := json.Unmarshal([]byte(sigs), &parsed); err != nil {
			return nil, fmt.Errorf("decode signatures: %w", err)
		}
		e.Signatures = parsed
	}
	return &e, nil
}
