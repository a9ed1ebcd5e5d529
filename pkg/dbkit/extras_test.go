package dbkit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cratery/registry/pkg/regerrors"
)

// mockRepo builds repositories over a sqlmock connection, for unit tests
// that assert exact SQL behavior without a SQLite file.
func mockRepo(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	db := &DB{conn: conn, cfg: Config{QueryTimeout: time.Second}}
	db.Versions = &VersionRepo{db: db}
	db.Jobs = &JobRepo{db: db}
	return db, mock
}

func TestVersionRepo_GetRefMapsColumns(t *testing.T) {
	db, mock := mockRepo(t)

	rows := sqlmock.NewRows([]string{"id", "package_id", "name", "version", "yanked", "manifest", "checksum"}).
		AddRow(7, 3, "foo", "1.2.3", true, `{"name":"foo"}`, "c0ffee")
	mock.ExpectQuery("SELECT v.id, v.package_id, p.name").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	ref, err := db.Versions.GetRef(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetRef() error = %v", err)
	}
	if ref.PackageName != "foo" || ref.Version != "1.2.3" || !ref.Yanked || ref.Checksum != "c0ffee" {
		t.Errorf("ref = %+v", ref)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestVersionRepo_GetRefNotFound(t *testing.T) {
	db, mock := mockRepo(t)

	mock.ExpectQuery("SELECT v.id, v.package_id, p.name").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "package_id", "name", "version", "yanked", "manifest", "checksum"}))

	_, err := db.Versions.GetRef(context.Background(), 9)
	e, ok := regerrors.As(err)
	if !ok || e.Kind != regerrors.KindNotFound {
		t.Fatalf("GetRef() error = %v, want KindNotFound", err)
	}
}

func TestJobRepo_CountQueued(t *testing.T) {
	db, mock := mockRepo(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM docgen_jobs").
		WithArgs(string(DocGenQueued)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := db.Jobs.CountQueued(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("CountQueued() = %d, %v", n, err)
	}
}
