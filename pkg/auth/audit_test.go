package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cratery/registry/pkg/dbkit"
)

func TestAuditLogger_LogFromRequest(t *testing.T) {
	db, err := dbkit.Open(dbkit.Config{Path: ":memory:", QueryTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("dbkit.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := NewAuditLogger(db.Audit)
	user := &dbkit.User{ID: 7}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/crates/new", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	if err := logger.LogFromRequest(req, &Principal{User: user}, ActionPackagePublish, "package", "foo", nil); err != nil {
		t.Fatalf("LogFromRequest() error = %v", err)
	}

	entries, err := db.Audit.ListRecent(req.Context(), 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != ActionPackagePublish || e.ResourceID != "foo" || e.Status != StatusSuccess {
		t.Errorf("entry = %+v", e)
	}
	if e.IPAddress != "203.0.113.5" {
		t.Errorf("IPAddress = %q, want 203.0.113.5", e.IPAddress)
	}
	if e.UserID == nil || *e.UserID != 7 {
		t.Errorf("UserID = %v, want 7", e.UserID)
	}
}

func TestAuditLogger_LogFromRequestFailure(t *testing.T) {
	db, err := dbkit.Open(dbkit.Config{Path: ":memory:", QueryTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("dbkit.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := NewAuditLogger(db.Audit)
	req := httptest.NewRequest(http.MethodPost, "/login", nil)

	if err := logger.LogFromRequest(req, nil, ActionAuthFailure, "session", "", errors.New("boom")); err != nil {
		t.Fatalf("LogFromRequest() error = %v", err)
	}

	entries, err := db.Audit.ListRecent(req.Context(), 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Status != StatusFailure {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].UserID != nil {
		t.Errorf("UserID = %v, want nil for unauthenticated failure", entries[0].UserID)
	}
}
