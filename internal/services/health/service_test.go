package health

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStatusIsAlwaysOK(t *testing.T) {
	svc := NewService(nil)
	if got := svc.Status(); !got["ok"] {
		t.Fatalf("expected ok status, got %v", got)
	}
}

func TestReadyWithoutDatabase(t *testing.T) {
	svc := NewService(nil)
	if err := svc.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready without db, got %v", err)
	}
}

func TestReadyPingsDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()

	svc := NewService(db)
	if err := svc.Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
