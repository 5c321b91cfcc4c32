package database_test

import (
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

const (
	testFingerprint = "3f2a6c1b9d8e7f60a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718"
	testContentID   = "11111111-1111-1111-1111-111111111111"
	testUserID      = "22222222-2222-2222-2222-222222222222"
	testSaveID      = "33333333-3333-3333-3333-333333333333"
	testJobID       = "44444444-4444-4444-4444-444444444444"
)

var contentColumnNames = []string{
	"id", "url_hash", "url", "source_platform", "status", "content_category", "save_count",
	"title", "caption", "description", "thumbnail_url", "duration_seconds", "content_text",
	"topic_main", "subcategories", "locations", "entities", "intent", "summary", "embedding_id",
	"created_at", "updated_at",
}

var saveColumnNames = []string{
	"id", "user_id", "shared_content_id", "raw_share_text", "is_favorited", "is_archived",
	"last_viewed_at", "created_at", "updated_at",
}

var jobColumnNames = []string{
	"id", "job_type", "status", "shared_content_id", "user_id", "content_category",
	"attempts", "stage", "last_error", "next_attempt_at", "created_at", "updated_at",
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "postgres"), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func contentValues(id, status string, category any, saveCount int) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, testFingerprint, "https://instagram.com/p/abc", "instagram", status, category, saveCount,
		nil, nil, nil, nil, nil, nil,
		nil, []byte("[]"), []byte("[]"), []byte("[]"), nil, nil, nil,
		now, now,
	}
}

func contentRows(id, status string, category any, saveCount int) *sqlmock.Rows {
	return sqlmock.NewRows(contentColumnNames).AddRow(contentValues(id, status, category, saveCount)...)
}

func saveRows(id, userID, contentID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(saveColumnNames).
		AddRow(id, userID, contentID, "note", false, false, nil, now, now)
}

// saveWithContentRows returns joined rows using the nested "content." aliases.
func saveWithContentRows() *sqlmock.Rows {
	cols := append([]string{}, saveColumnNames...)
	for _, c := range contentColumnNames {
		cols = append(cols, "content."+c)
	}
	return sqlmock.NewRows(cols)
}

func addSaveWithContent(rows *sqlmock.Rows, saveID, contentID string) *sqlmock.Rows {
	now := time.Now()
	values := []driver.Value{saveID, testUserID, contentID, nil, false, false, nil, now, now}
	values = append(values, contentValues(contentID, "READY", "Food", 1)...)
	return rows.AddRow(values...)
}

func jobRows(status string, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobColumnNames).
		AddRow(testJobID, "process", status, testContentID, nil, nil, attempts, nil, nil, nil, now, now)
}

func clusterJobRows(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobColumnNames).
		AddRow(testJobID, "cluster", status, nil, testUserID, "Food", 0, nil, nil, nil, now, now)
}
