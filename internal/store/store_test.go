package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slidoc/slidoc/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testHeaders() []string {
	return []string{
		model.ColName, model.ColID, model.ColEmail, model.ColUser,
		model.ColTimestamp, model.ColLateToken, model.ColLastSlide,
		model.ColSession, model.ColTotal,
		"q1_response", "q1_explain",
	}
}

func testRow(id, name string) model.Row {
	return model.Row{
		model.ColName: name,
		model.ColID:   id,
	}
}

func TestCreateAndGetSheet(t *testing.T) {
	s := newTestStore(t)

	sheet := Sheet{Name: "course1", Headers: testHeaders(), DueDate: "2026-12-01T00:00Z"}
	if err := s.CreateSheet(sheet); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	got, err := s.GetSheet("course1")
	if err != nil {
		t.Fatalf("failed to get sheet: %v", err)
	}
	if got.Name != "course1" {
		t.Errorf("expected name course1, got %s", got.Name)
	}
	if len(got.Headers) != len(testHeaders()) {
		t.Errorf("expected %d headers, got %d", len(testHeaders()), len(got.Headers))
	}
	if got.DueDate != "2026-12-01T00:00Z" {
		t.Errorf("expected due date to round-trip, got %s", got.DueDate)
	}
}

func TestGetSheetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSheet("missing")
	if !errors.Is(err, ErrSheetNotFound) {
		t.Errorf("expected ErrSheetNotFound, got %v", err)
	}
}

func TestCreateSheetInvalidHeaders(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateSheet(Sheet{Name: "bad", Headers: []string{"q1_response"}})
	if err == nil {
		t.Error("expected error for headers missing fixed columns")
	}
}

func TestRecreateSheetHeaderCountMismatch(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}
	changed := append(testHeaders(), "q2_response", "q2_explain")
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: changed}); err == nil {
		t.Error("expected error when header count changes")
	}
}

func TestPutAndGetRow(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	row := testRow("alice", "Alice A")
	row["q1_response"] = "blue"
	ts, err := s.PutRow("course1", row, false)
	if err != nil {
		t.Fatalf("failed to put row: %v", err)
	}
	if ts == "" {
		t.Fatal("expected a server timestamp")
	}

	got, gotTs, err := s.GetRow("course1", "alice")
	if err != nil {
		t.Fatalf("failed to get row: %v", err)
	}
	if gotTs != ts {
		t.Errorf("expected timestamp %s, got %s", ts, gotTs)
	}
	if got.Str("q1_response") != "blue" {
		t.Errorf("expected response blue, got %v", got["q1_response"])
	}
	if got.Str(model.ColTimestamp) != ts {
		t.Errorf("expected Timestamp column %s, got %v", ts, got[model.ColTimestamp])
	}
}

func TestGetRowAbsent(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	row, ts, err := s.GetRow("course1", "nobody")
	if err != nil {
		t.Fatalf("unexpected error for absent row: %v", err)
	}
	if row != nil || ts != "" {
		t.Errorf("expected nil row and empty timestamp, got %v %q", row, ts)
	}
}

func TestPutRowNoOverwrite(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	if _, err := s.PutRow("course1", testRow("alice", "Alice"), true); err != nil {
		t.Fatalf("failed to insert new row: %v", err)
	}
	_, err := s.PutRow("course1", testRow("alice", "Alice"), true)
	if !errors.Is(err, ErrRowExists) {
		t.Errorf("expected ErrRowExists, got %v", err)
	}
}

func TestPutRowOverwriteRefreshesTimestamp(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	ts1, err := s.PutRow("course1", testRow("alice", "Alice"), false)
	if err != nil {
		t.Fatalf("failed to put row: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	ts2, err := s.PutRow("course1", testRow("alice", "Alice"), false)
	if err != nil {
		t.Fatalf("failed to overwrite row: %v", err)
	}
	if ts2 <= ts1 {
		t.Errorf("expected timestamp to advance, got %s then %s", ts1, ts2)
	}
}

func TestUpdateColumns(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	row := testRow("alice", "Alice")
	row["q1_response"] = "blue"
	if _, err := s.PutRow("course1", row, false); err != nil {
		t.Fatalf("failed to put row: %v", err)
	}

	if _, err := s.UpdateColumns("course1", "alice", map[string]any{model.ColLastSlide: 5}); err != nil {
		t.Fatalf("failed to update columns: %v", err)
	}

	got, _, err := s.GetRow("course1", "alice")
	if err != nil {
		t.Fatalf("failed to get row: %v", err)
	}
	if got.Str("q1_response") != "blue" {
		t.Error("expected untouched columns to survive a partial update")
	}
	if got[model.ColLastSlide] != float64(5) {
		t.Errorf("expected lastSlide 5, got %v", got[model.ColLastSlide])
	}
}

func TestUpdateColumnsAbsentRow(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	_, err := s.UpdateColumns("course1", "nobody", map[string]any{model.ColLastSlide: 1})
	if !errors.Is(err, ErrRowNotFound) {
		t.Errorf("expected ErrRowNotFound, got %v", err)
	}
}

func TestTrashRow(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}
	if _, err := s.PutRow("course1", testRow("alice", "Alice"), false); err != nil {
		t.Fatalf("failed to put row: %v", err)
	}

	if err := s.TrashRow("course1", "alice"); err != nil {
		t.Fatalf("failed to trash row: %v", err)
	}
	row, _, err := s.GetRow("course1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != nil {
		t.Error("expected trashed row to be invisible")
	}
	if err := s.TrashRow("course1", "alice"); !errors.Is(err, ErrRowNotFound) {
		t.Errorf("expected ErrRowNotFound on second trash, got %v", err)
	}
}

func TestTrashSheet(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}

	if err := s.TrashSheet("course1"); err != nil {
		t.Fatalf("failed to trash sheet: %v", err)
	}
	if _, err := s.GetSheet("course1"); !errors.Is(err, ErrSheetNotFound) {
		t.Errorf("expected trashed sheet to be invisible, got %v", err)
	}
	if err := s.TrashSheet("course1"); !errors.Is(err, ErrSheetNotFound) {
		t.Errorf("expected ErrSheetNotFound on second trash, got %v", err)
	}
}

func TestAllRowsSortedByName(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSheet(Sheet{Name: "course1", Headers: testHeaders()}); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}
	for _, r := range []model.Row{
		testRow("u3", "Charlie"),
		testRow("u1", "Alice"),
		testRow("u2", "Bob"),
	} {
		if _, err := s.PutRow("course1", r, false); err != nil {
			t.Fatalf("failed to put row: %v", err)
		}
	}

	rows, err := s.AllRows("course1")
	if err != nil {
		t.Fatalf("failed to list rows: %v", err)
	}
	want := []string{"Alice", "Bob", "Charlie"}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, name := range want {
		if rows[i].Str(model.ColName) != name {
			t.Errorf("row %d: expected %s, got %s", i, name, rows[i].Str(model.ColName))
		}
	}

	count, err := s.RowCount("course1")
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}

func TestWriteGateBoundedWait(t *testing.T) {
	s := newTestStore(t)
	s.SetLockWait(20 * time.Millisecond)

	ctx := context.Background()
	if err := s.AcquireWrite(ctx); err != nil {
		t.Fatalf("failed to acquire write section: %v", err)
	}

	err := s.AcquireWrite(ctx)
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while held, got %v", err)
	}

	s.ReleaseWrite()
	if err := s.AcquireWrite(ctx); err != nil {
		t.Errorf("expected acquire after release, got %v", err)
	}
	s.ReleaseWrite()
}

func TestWriteGateContextCancel(t *testing.T) {
	s := newTestStore(t)
	s.SetLockWait(time.Second)

	if err := s.AcquireWrite(context.Background()); err != nil {
		t.Fatalf("failed to acquire write section: %v", err)
	}
	defer s.ReleaseWrite()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.AcquireWrite(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAccounts(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateAccount("admin", "hash1")
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	if a.ID == 0 || !a.Active {
		t.Errorf("expected active account with id, got %+v", a)
	}

	got, err := s.GetAccountByUsername("admin")
	if err != nil {
		t.Fatalf("failed to get account: %v", err)
	}
	if got == nil || got.PasswordHash != "hash1" {
		t.Errorf("expected stored hash, got %+v", got)
	}

	missing, err := s.GetAccountByUsername("nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown username")
	}

	if _, err := s.CreateAccount("admin", "hash2"); err == nil {
		t.Error("expected error for duplicate username")
	}

	count, err := s.AccountCount()
	if err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 account, got %d", count)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMetadata("unset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value for unset key, got %q", v)
	}

	if err := s.SetImportedFileHash("course1.json", "abc"); err != nil {
		t.Fatalf("failed to set hash: %v", err)
	}
	if err := s.SetImportedFileHash("course1.json", "def"); err != nil {
		t.Fatalf("failed to update hash: %v", err)
	}
	h, err := s.GetImportedFileHash("course1.json")
	if err != nil {
		t.Fatalf("failed to get hash: %v", err)
	}
	if h != "def" {
		t.Errorf("expected def, got %s", h)
	}
}
