package rowstore

import (
	"context"
	"errors"
	"testing"

	"github.com/slidoc/slidoc/internal/model"
)

// fakeTransport replays canned responses and records requests.
type fakeTransport struct {
	ordered   bool
	responses []*Response
	requests  []*Request
}

func (f *fakeTransport) Ordered() bool { return f.ordered }

func (f *fakeTransport) Do(_ context.Context, req *Request) (*Response, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return ErrorResponse(CodeInternal, "no canned response"), nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

var testHeaders = []string{"name", "id", "email", "user", "Timestamp", "lateToken", "lastSlide", "session_hidden"}

func rowValues(name, id, ts string) []any {
	return []any{name, id, "", id, ts, "", 1, "blob"}
}

func testProfile() *model.UserProfile {
	return &model.UserProfile{UserID: "alice", Token: "tok12345"}
}

func TestGetRowAbsent(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{{Result: "success", Headers: testHeaders}}}
	c := NewClient(ft, "quiz01", testProfile())

	row, err := c.GetRow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if len(row) != 0 {
		t.Errorf("expected empty row for absent id, got %v", row)
	}
	if got := ft.requests[0]; !got.Get || got.ID != "alice" || got.Sheet != "quiz01" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestGetRowTracksTimestamp(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{
		{Result: "success", Headers: testHeaders, Value: rowValues("Alice A", "alice", "2026-08-30T10:00:00Z"), Timestamp: "2026-08-30T10:00:00Z"},
	}}
	c := NewClient(ft, "quiz01", testProfile())

	row, err := c.GetRow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if row.Str("name") != "Alice A" {
		t.Errorf("unexpected row: %v", row)
	}
	if c.LastTimestamp("alice") != "2026-08-30T10:00:00Z" {
		t.Errorf("timestamp not tracked: %q", c.LastTimestamp("alice"))
	}
}

func TestStaleResponseRejected(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{
		{Result: "success", Headers: testHeaders, Value: rowValues("Alice A", "alice", "t2"), Timestamp: "2026-08-30T10:05:00Z"},
		{Result: "success", Headers: testHeaders, Value: rowValues("Alice A", "alice", "t1"), Timestamp: "2026-08-30T10:00:00Z"},
	}}
	c := NewClient(ft, "quiz01", testProfile())

	if _, err := c.GetRow(context.Background(), "alice"); err != nil {
		t.Fatalf("first GetRow: %v", err)
	}
	// A late-arriving response with an older timestamp must be flagged,
	// never applied.
	_, err := c.GetRow(context.Background(), "alice")
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected ErrStaleResponse, got %v", err)
	}
	if c.LastTimestamp("alice") != "2026-08-30T10:05:00Z" {
		t.Error("stale response must not regress the tracked timestamp")
	}
}

func TestPutRowCarriesExpectedTimestamp(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{
		{Result: "success", Headers: testHeaders, Value: rowValues("Alice A", "alice", "t1"), Timestamp: "2026-08-30T10:00:00Z"},
		{Result: "success", Timestamp: "2026-08-30T10:01:00Z"},
	}}
	c := NewClient(ft, "quiz01", testProfile())
	if _, err := c.GetRow(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	row, _ := model.RowFromValues(testHeaders, rowValues("Alice A", "alice", ""))
	if _, err := c.PutRow(context.Background(), testHeaders, row, PutOpts{}); err != nil {
		t.Fatalf("PutRow: %v", err)
	}
	put := ft.requests[1]
	if put.Timestamp != "2026-08-30T10:00:00Z" {
		t.Errorf("expected prior timestamp on put, got %q", put.Timestamp)
	}
	if c.LastTimestamp("alice") != "2026-08-30T10:01:00Z" {
		t.Error("put response timestamp not applied")
	}
}

func TestOrderedTransportOmitsTimestamp(t *testing.T) {
	ft := &fakeTransport{ordered: true, responses: []*Response{
		{Result: "success", Headers: testHeaders, Value: rowValues("Alice A", "alice", "t1"), Timestamp: "2026-08-30T10:00:00Z"},
		{Result: "success", Timestamp: "2026-08-30T10:01:00Z"},
	}}
	c := NewClient(ft, "quiz01", testProfile())
	if _, err := c.GetRow(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	row, _ := model.RowFromValues(testHeaders, rowValues("Alice A", "alice", ""))
	if _, err := c.PutRow(context.Background(), testHeaders, row, PutOpts{}); err != nil {
		t.Fatal(err)
	}
	if ft.requests[1].Timestamp != "" {
		t.Error("ordered transport must not carry a timestamp expectation")
	}
}

func TestUpdateRowPairs(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{{Result: "success", Timestamp: "2026-08-30T10:02:00Z"}}}
	c := NewClient(ft, "quiz01", testProfile())

	_, err := c.UpdateRow(context.Background(), "alice", []ColumnValue{
		{Column: "q2_grade_10", Value: 7.5},
		{Column: "q2_comments", Value: "partial credit"},
	}, false)
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	upd := ft.requests[0].Update
	if len(upd) != 2 || upd[0][0] != "q2_grade_10" || upd[1][1] != "partial credit" {
		t.Errorf("unexpected update pairs: %v", upd)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{CodeNeedToken, ErrCredentials},
		{CodeInvalidToken, ErrCredentials},
		{CodePastSubmitDeadline, ErrAdmission},
		{CodeAdminColumn, ErrAdmission},
		{CodeConflictingEdit, ErrConflict},
		{CodeRowExists, ErrConflict},
		{CodeBusy, ErrTransient},
		{CodeInvalidColumn, ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ft := &fakeTransport{responses: []*Response{ErrorResponse(tt.code, "detail")}}
			c := NewClient(ft, "quiz01", testProfile())
			_, err := c.GetRow(context.Background(), "alice")
			if !errors.Is(err, tt.want) {
				t.Errorf("code %s: expected %v, got %v", tt.code, tt.want, err)
			}
		})
	}
}

func TestGetAllWarmsCache(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{{
		Result:  "success",
		Headers: testHeaders,
		Values: [][]any{
			rowValues("Alice A", "alice", "t1"),
			rowValues("Bob B", "bob", "t1"),
		},
	}}}
	c := NewClient(ft, "quiz01", &model.UserProfile{UserID: "grader", Token: "tok", Admin: true})

	rows, err := c.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if c.Cached("bob") == nil {
		t.Error("expected bob in the bulk cache")
	}
	if ft.requests[0].Admin != "grader" {
		t.Error("admin scheme should carry the admin user")
	}
}

func TestGetShare(t *testing.T) {
	ft := &fakeTransport{responses: []*Response{{
		Result:  "success",
		Headers: []string{"id", "q2_response"},
		Values:  [][]any{{"alice", "B"}, {"bob", "C"}},
	}}}
	c := NewClient(ft, "quiz01", testProfile())

	headers, values, err := c.GetShare(context.Background(), "q2_response")
	if err != nil {
		t.Fatalf("GetShare: %v", err)
	}
	if len(headers) != 2 || len(values) != 2 {
		t.Errorf("unexpected share payload: %v %v", headers, values)
	}
	if ft.requests[0].GetShare != "q2_response" {
		t.Error("getshare prefix not sent")
	}
}
