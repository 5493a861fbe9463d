package store_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/store"
)

func newPostgres(t *testing.T) (*store.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewPostgresStore(db), mock
}

func TestPostgresAppendCASFirstEvent(t *testing.T) {
	s, mock := newPostgres(t)
	e := testEvent("s", 1, ledger.GenesisHash)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = $1 FOR UPDATE`)).
		WithArgs("s").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).
		WithArgs(e.StreamID, e.Seq, e.EventID, string(e.Type), string(e.Payload),
			e.PrevHash, e.Timestamp, e.EventHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO stream_tips`)).
		WithArgs(e.StreamID, e.EventHash, e.Seq).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendCAS(context.Background(), e, ledger.GenesisHash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendCASConflict(t *testing.T) {
	s, mock := newPostgres(t)
	e := testEvent("s", 2, "sha256:stale")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = $1 FOR UPDATE`)).
		WithArgs("s").
		WillReturnRows(sqlmock.NewRows([]string{"tip_hash", "seq"}).AddRow("sha256:actual", 1))
	mock.ExpectRollback()

	err := s.AppendCAS(context.Background(), e, "sha256:stale")
	var conflict *ledger.StreamConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "sha256:actual", conflict.ActualTip)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTip(t *testing.T) {
	s, mock := newPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = $1`)).
		WithArgs("s").
		WillReturnRows(sqlmock.NewRows([]string{"tip_hash", "seq"}).AddRow("sha256:tip", 7))

	tip, seq, err := s.Tip(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "sha256:tip", tip)
	assert.Equal(t, uint64(7), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTipOfEmptyStream(t *testing.T) {
	s, mock := newPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT tip_hash, seq FROM stream_tips WHERE stream_id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	tip, seq, err := s.Tip(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, ledger.GenesisHash, tip)
	assert.Zero(t, seq)
}

func TestPostgresGetScansEvent(t *testing.T) {
	s, mock := newPostgres(t)
	e := testEvent("s", 1, ledger.GenesisHash)

	rows := sqlmock.NewRows([]string{
		"stream_id", "seq", "event_id", "event_type", "payload",
		"prev_hash", "timestamp", "event_hash", "signatures",
	}).AddRow(e.StreamID, e.Seq, e.EventID, string(e.Type), string(e.Payload),
		e.PrevHash, e.Timestamp, e.EventHash,
		`[{"key_id":"k1","signature":"abcd"}]`)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `)).
		WithArgs("s", e.EventID).
		WillReturnRows(rows)

	got, err := s.Get(context.Background(), "s", e.EventID)
	require.NoError(t, err)
	assert.Equal(t, e.EventHash, got.EventHash)
	require.Len(t, got.Signatures, 1)
	assert.Equal(t, "k1", got.Signatures[0].KeyID)
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `)).
		WithArgs("s", "evt-nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "s", "evt-nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
