package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)
	return db, mock
}

func TestResponseStore_MaxResponseID(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewResponseStore(db)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM .survey_responses.").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(42))

	got, err := s.MaxResponseID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseStore_MaxResponseIDError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewResponseStore(db)

	mock.ExpectQuery("SELECT COALESCE").WillReturnError(errors.New("connection refused"))

	_, err := s.MaxResponseID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResponseStore_ResponsesAfter(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewResponseStore(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "company_id", "survey_id", "respondent_id", "answers", "created_at"}).
		AddRow(11, 1, 100, "r-1", "{}", now).
		AddRow(12, 2, 200, "r-2", "{}", now)

	mock.ExpectQuery("SELECT \\* FROM .survey_responses. WHERE id > \\? ORDER BY id ASC LIMIT").
		WillReturnRows(rows)

	got, err := s.ResponsesAfter(context.Background(), 10, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(11), got[0].ID)
	assert.Equal(t, uint64(2), got[1].CompanyID)
	assert.Equal(t, uint64(200), got[1].SurveyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_EnsureSchema(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewCheckpointStore(db, "survey_responses")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS detector_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS detector_checkpoints").
		WillReturnError(errors.New("access denied"))
	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_LoadNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewCheckpointStore(db, "survey_responses")

	mock.ExpectQuery("SELECT \\* FROM .detector_checkpoints. WHERE source = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"source", "last_id", "updated_at"}))

	id, found, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, id)
}

func TestCheckpointStore_Load(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewCheckpointStore(db, "survey_responses")

	mock.ExpectQuery("SELECT \\* FROM .detector_checkpoints. WHERE source = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"source", "last_id", "updated_at"}).
			AddRow("survey_responses", 77, time.Now()))

	id, found, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(77), id)
}

func TestCheckpointStore_SaveIsMonotonicUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewCheckpointStore(db, "survey_responses")

	mock.ExpectExec("INSERT INTO .detector_checkpoints. .* ON DUPLICATE KEY UPDATE .*GREATEST\\(last_id, VALUES\\(last_id\\)\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), 90))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseStore_SummaryByCompany(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewResponseStore(db)

	last := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) AS responses, MAX\\(created_at\\) AS last_response_at FROM .survey_responses. WHERE company_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"responses", "last_response_at"}).AddRow(3, last))

	sum, err := s.SummaryByCompany(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Responses)
	require.NotNil(t, sum.LastResponseAt)
	assert.True(t, last.Equal(*sum.LastResponseAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponseStore_SummaryBySurveyError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewResponseStore(db)

	mock.ExpectQuery("WHERE survey_id = \\?").WillReturnError(errors.New("timeout"))

	_, err := s.SummaryBySurvey(context.Background(), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "survey_id=9")
}
