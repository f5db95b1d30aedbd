package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Failure-injection tests: a failed write surfaces the driver error and
// performs exactly one statement, so nothing can half-commit.

func TestInsertEvidence_PropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("connection reset by peer")
	mock.ExpectExec("INSERT INTO evidence").WillReturnError(boom)

	s := New(db, DialectPostgres)
	_, err = s.InsertEvidence(context.Background(), "LA.01", "new_access_no_approval",
		time.Now(), "meridian-agent", map[string]any{"status": "pass"}, "sig", "leaf", 0)

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLastTicket_PropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("server closed the connection")
	mock.ExpectQuery("SELECT ticket_number").WillReturnError(boom)

	s := New(db, DialectPostgres)
	_, err = s.GetLastTicket(context.Background(), "LA.02")

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrustEnvelope_PropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("constraint violation")
	mock.ExpectExec("INSERT INTO trust_envelopes").WillReturnError(boom)

	s := New(db, DialectPostgres)
	_, err = s.InsertTrustEnvelope(context.Background(), EnvelopeRecord{
		EnvelopeID:   "env-1",
		ControlID:    "LA.01",
		ProductID:    "P1",
		TrustLevel:   "HIGH",
		EnvelopeData: []byte(`{}`),
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
