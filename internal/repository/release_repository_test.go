package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
)

func newReleaseRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestReleaseRepositoryCreateAssignsOrdinal(t *testing.T) {
	db, mock, cleanup := newReleaseRepoMock(t)
	defer cleanup()

	repo := NewReleaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(releaseOrdinalLock).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO releases")).
		WillReturnRows(sqlmock.NewRows([]string{"ordinal"}).AddRow(7))
	mock.ExpectCommit()

	release := &models.Release{
		Version:     "EB22",
		ReleaseDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		IsActive:    true,
	}
	require.NoError(t, repo.Create(context.Background(), release))
	require.NotEmpty(t, release.ID)
	require.Equal(t, 7, release.Ordinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseRepositoryCreateRollsBackWhenLockFails(t *testing.T) {
	db, mock, cleanup := newReleaseRepoMock(t)
	defer cleanup()

	repo := NewReleaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(releaseOrdinalLock).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	release := &models.Release{
		Version:     "EB22",
		ReleaseDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.Error(t, repo.Create(context.Background(), release))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseRepositoryListActiveOrdersByOrdinal(t *testing.T) {
	db, mock, cleanup := newReleaseRepoMock(t)
	defer cleanup()

	repo := NewReleaseRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "version", "ordinal", "release_date", "is_active", "created_at"}).
		AddRow("rel-1", "EB20", 1, now, true, now).
		AddRow("rel-2", "EB21", 2, now, true, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, version, ordinal")).
		WillReturnRows(rows)

	releases, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 2)
	require.True(t, releases[1].NewerThan(releases[0]))
	require.NoError(t, mock.ExpectationsWereMet())
}
