package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"schedd/internal/config"
	"schedd/internal/errors"
	"schedd/internal/trigger"
)

func newMockRepo(t *testing.T) (*TokenRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return NewTokenRepository(gdb), mock
}

func TestGetUserToken(t *testing.T) {
	repo, mock := newMockRepo(t)
	expires := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"user_id", "access_token", "refresh_token", "expires_at", "updated_at"}).
		AddRow(7, "access", "refresh", expires, expires.Add(-time.Hour))
	mock.ExpectQuery(`SELECT \* FROM "user_tokens" WHERE user_id = \$1`).WillReturnRows(rows)

	tok, err := repo.GetUserToken(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tok.UserID)
	assert.Equal(t, "access", tok.AccessToken)
	assert.True(t, tok.ExpiresAt.Equal(expires))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserTokenMissingIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT \* FROM "user_tokens" WHERE user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err := repo.GetUserToken(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserTokenDatabaseError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT \* FROM "user_tokens"`).WillReturnError(errors.New("connection reset"))

	_, err := repo.GetUserToken(context.Background(), 9)
	require.Error(t, err)
	assert.False(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSaveUserToken(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`UPDATE "user_tokens" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveUserToken(context.Background(), &UserToken{
		UserID:       7,
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	cfg := config.DBConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "schedd", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=schedd sslmode=disable", DSN(cfg))
	assert.NotContains(t, adminDSN(cfg), "dbname")
}

func TestJobRecordClone(t *testing.T) {
	owner := int64(3)
	next := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	r := &JobRecord{
		ID:           "a",
		OwnerUserID:  &owner,
		Trigger:      trigger.NewOneTime(next),
		NextFireTime: &next,
		Payload:      map[string]interface{}{"k": "v"},
	}
	c := r.Clone()
	*c.OwnerUserID = 4
	*c.NextFireTime = next.Add(time.Hour)
	c.Payload["k"] = "changed"

	assert.Equal(t, int64(3), *r.OwnerUserID)
	assert.Equal(t, next, *r.NextFireTime)
	assert.Equal(t, "v", r.Payload["k"])
	assert.False(t, r.Paused())
	assert.False(t, r.IsGeneral())

	r.NextFireTime = nil
	assert.True(t, r.Paused())
	r.Pending = true
	assert.False(t, r.Paused())
}
