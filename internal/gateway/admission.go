package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slidoc/slidoc/internal/auth"
	"github.com/slidoc/slidoc/internal/i18n"
	"github.com/slidoc/slidoc/internal/model"
	"github.com/slidoc/slidoc/internal/rowstore"
	"github.com/slidoc/slidoc/internal/store"
)

// identity is the authenticated actor behind one request.
type identity struct {
	id    string
	admin bool
}

// Handle applies one protocol request against the store. The ordered
// flag relaxes the timestamp-conflict expectation for transports that
// guarantee in-order delivery.
func (g *Gateway) Handle(ctx context.Context, req *rowstore.Request, ordered bool) *rowstore.Response {
	ident, errResp := g.authenticate(req)
	if errResp != nil {
		return errResp
	}

	sheet, errResp := g.resolveSheet(req, ident)
	if errResp != nil {
		return errResp
	}
	if sheet.AdminOnly && !ident.admin {
		return rowstore.ErrorResponse(rowstore.CodeNeedAdminToken, "sheet "+sheet.Name+" is restricted")
	}

	mutating := req.Row != nil || len(req.Update) > 0 || req.Delete
	if mutating {
		if err := g.store.AcquireWrite(ctx); err != nil {
			if errors.Is(err, store.ErrBusy) {
				return rowstore.ErrorResponse(rowstore.CodeBusy, "write lock wait exceeded")
			}
			return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
		}
		defer g.store.ReleaseWrite()
	}

	var messages []string
	if mutating && !ident.admin {
		errResp, msgs := g.admitDeadline(ctx, req, sheet)
		if errResp != nil {
			return errResp
		}
		messages = append(messages, msgs...)
	}

	switch {
	case req.Row != nil:
		return g.putRow(ctx, req, sheet, ident, ordered, messages)
	case len(req.Update) > 0:
		return g.updateRow(req, sheet, ident, ordered, messages)
	case req.Delete:
		return g.delRow(req, sheet, ident)
	case req.All:
		return g.getAll(req, sheet, ident)
	case req.GetShare != "":
		return g.getShare(req, sheet)
	case req.Get:
		return g.getRow(req, sheet)
	default:
		return rowstore.ErrorResponse(rowstore.CodeInternal, "request names no operation")
	}
}

func (g *Gateway) authenticate(req *rowstore.Request) (identity, *rowstore.Response) {
	if req.Admin != "" {
		if req.Token == "" {
			return identity{}, rowstore.ErrorResponse(rowstore.CodeNeedAdminToken, "admin token required")
		}
		if err := auth.VerifyAdmin(g.key, req.Admin, req.Token); err != nil {
			g.logger.Warn("rejected admin token", "admin", req.Admin)
			return identity{}, rowstore.ErrorResponse(rowstore.CodeInvalidToken, "invalid admin token")
		}
		return identity{id: req.ID, admin: true}, nil
	}
	if req.ID == "" {
		return identity{}, rowstore.ErrorResponse(rowstore.CodeNeedID, "user id required")
	}
	if req.Token == "" {
		return identity{}, rowstore.ErrorResponse(rowstore.CodeNeedToken, "token required")
	}
	if err := auth.VerifyUser(g.key, req.ID, req.Token); err != nil {
		g.logger.Warn("rejected user token", "user", req.ID)
		return identity{}, rowstore.ErrorResponse(rowstore.CodeInvalidToken, "invalid token for "+req.ID)
	}
	return identity{id: req.ID}, nil
}

// resolveSheet looks up the target sheet, creating it when a full-row
// write declares a schema for a sheet that does not exist yet.
func (g *Gateway) resolveSheet(req *rowstore.Request, ident identity) (*store.Sheet, *rowstore.Response) {
	sheet, err := g.store.GetSheet(req.Sheet)
	if err == nil {
		return sheet, nil
	}
	if !errors.Is(err, store.ErrSheetNotFound) {
		return nil, rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	if req.Row == nil || len(req.Headers) == 0 {
		return nil, rowstore.ErrorResponse(rowstore.CodeSheetNotFound, req.Sheet)
	}
	created := store.Sheet{Name: req.Sheet, Headers: req.Headers}
	if err := g.store.CreateSheet(created); err != nil {
		return nil, rowstore.ErrorResponse(rowstore.CodeInvalidColumn, err.Error())
	}
	g.logger.Info("created sheet", "sheet", req.Sheet, "columns", len(req.Headers), "by", ident.id)
	return &created, nil
}

// admitDeadline enforces the sheet due date for non-admin mutations.
// The literal token "none" grants late access with zero credit; any
// other late token must carry a valid signature and an unexpired date.
func (g *Gateway) admitDeadline(ctx context.Context, req *rowstore.Request, sheet *store.Sheet) (*rowstore.Response, []string) {
	if sheet.DueDate == "" {
		return nil, nil
	}
	due, err := model.ParseUTCDate(sheet.DueDate)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, "bad sheet due date: "+err.Error()), nil
	}
	now := time.Now().UTC()
	if g.now != nil {
		now = g.now()
	}
	if !now.After(due) {
		return nil, nil
	}
	switch req.LateToken {
	case "":
		return rowstore.ErrorResponse(rowstore.CodePastSubmitDeadline, i18n.T(ctx, "PastDeadline")), nil
	case auth.TokenNone:
		return nil, []string{"Warning:" + i18n.T(ctx, "NoCreditLate")}
	}
	lateDue, err := auth.VerifyLateToken(g.key, req.ID, sheet.Name, req.LateToken)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInvalidLateToken, "invalid late token for "+req.ID), nil
	}
	if now.After(lateDue) {
		return rowstore.ErrorResponse(rowstore.CodePastSubmitDeadline, i18n.T(ctx, "PastDeadline")), nil
	}
	msg := i18n.Td(ctx, "LateSubmission", map[string]any{"Date": lateDue.Format("2006-01-02T15:04Z")})
	return nil, []string{"Info:" + msg}
}

func (g *Gateway) putRow(ctx context.Context, req *rowstore.Request, sheet *store.Sheet, ident identity, ordered bool, messages []string) *rowstore.Response {
	if !headersMatch(req.Headers, sheet.Headers) {
		return rowstore.ErrorResponse(rowstore.CodeInvalidColumn, "headers do not match sheet "+sheet.Name)
	}
	row, err := model.RowFromValues(req.Headers, req.Row)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	if !ident.admin && row.ID() != ident.id {
		return rowstore.ErrorResponse(rowstore.CodeInvalidToken, "row id does not match authenticated user")
	}

	old, oldTs, err := g.store.GetRow(sheet.Name, row.ID())
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	if old != nil && req.NoOverwrite {
		return rowstore.ErrorResponse(rowstore.CodeRowExists, row.ID())
	}
	expected := model.NormalizeTimestamp(req.Timestamp)
	if !ordered && old != nil && expected != "" && expected != model.NormalizeTimestamp(oldTs) {
		g.logger.Warn("conflicting edit", "sheet", sheet.Name, "row", row.ID(),
			"expected", expected, "current", oldTs)
		return rowstore.ErrorResponse(rowstore.CodeConflictingEdit, i18n.T(ctx, "ConflictingEdit"))
	}

	carryGrades(old, row, sheet.Headers)
	computeTotal(row, sheet.Headers)

	ts, err := g.store.PutRow(sheet.Name, row, false)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	if req.Submit {
		messages = append(messages, "Info:"+i18n.T(ctx, "SessionSubmitted"))
	}
	resp := &rowstore.Response{
		Result:    "success",
		Headers:   sheet.Headers,
		Timestamp: ts,
		Messages:  strings.Join(messages, "\n"),
	}
	if req.Get {
		resp.Value = row.Values(sheet.Headers)
	}
	return resp
}

// updateRow applies an admin partial update. Only the grading columns
// (qN_comments, qN_grade_W) and the late token may be touched.
func (g *Gateway) updateRow(req *rowstore.Request, sheet *store.Sheet, ident identity, ordered bool, messages []string) *rowstore.Response {
	if !ident.admin {
		return rowstore.ErrorResponse(rowstore.CodeNeedAdminToken, "partial updates require admin access")
	}
	known := make(map[string]bool, len(sheet.Headers))
	for _, h := range sheet.Headers {
		known[h] = true
	}
	updates := make(map[string]any, len(req.Update))
	for _, pair := range req.Update {
		if len(pair) != 2 {
			return rowstore.ErrorResponse(rowstore.CodeInternal, "malformed update pair")
		}
		col, ok := pair[0].(string)
		if !ok {
			return rowstore.ErrorResponse(rowstore.CodeInternal, "malformed update column")
		}
		if !known[col] {
			return rowstore.ErrorResponse(rowstore.CodeInvalidColumn, col)
		}
		if !model.IsGradeColumn(col) && col != model.ColLateToken {
			return rowstore.ErrorResponse(rowstore.CodeAdminColumn, col+" is not an updatable column")
		}
		updates[col] = pair[1]
	}

	old, oldTs, err := g.store.GetRow(sheet.Name, req.ID)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	if old == nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, "no row for "+req.ID)
	}
	expected := model.NormalizeTimestamp(req.Timestamp)
	if !ordered && expected != "" && expected != model.NormalizeTimestamp(oldTs) {
		return rowstore.ErrorResponse(rowstore.CodeConflictingEdit,
			fmt.Sprintf("row %s modified at %s", req.ID, oldTs))
	}

	merged := make(model.Row, len(old)+len(updates))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	computeTotal(merged, sheet.Headers)
	if v, ok := merged[model.ColTotal]; ok {
		updates[model.ColTotal] = v
	}

	ts, err := g.store.UpdateColumns(sheet.Name, req.ID, updates)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	resp := &rowstore.Response{
		Result:    "success",
		Headers:   sheet.Headers,
		Timestamp: ts,
		Messages:  strings.Join(messages, "\n"),
	}
	if req.Get {
		row, _, err := g.store.GetRow(sheet.Name, req.ID)
		if err != nil {
			return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
		}
		resp.Value = row.Values(sheet.Headers)
	}
	return resp
}

func (g *Gateway) delRow(req *rowstore.Request, sheet *store.Sheet, ident identity) *rowstore.Response {
	if !ident.admin {
		return rowstore.ErrorResponse(rowstore.CodeNeedAdminToken, "row deletion requires admin access")
	}
	if err := g.store.TrashRow(sheet.Name, req.ID); err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	return &rowstore.Response{Result: "success"}
}

func (g *Gateway) getRow(req *rowstore.Request, sheet *store.Sheet) *rowstore.Response {
	row, ts, err := g.store.GetRow(sheet.Name, req.ID)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	resp := &rowstore.Response{Result: "success", Headers: sheet.Headers}
	if row != nil {
		resp.Value = row.Values(sheet.Headers)
		resp.Timestamp = ts
	}
	return resp
}

func (g *Gateway) getAll(req *rowstore.Request, sheet *store.Sheet, ident identity) *rowstore.Response {
	if !ident.admin {
		return rowstore.ErrorResponse(rowstore.CodeNeedAdminToken, "bulk reads require admin access")
	}
	rows, err := g.store.AllRows(sheet.Name)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	resp := &rowstore.Response{Result: "success", Headers: sheet.Headers}
	for _, row := range rows {
		resp.Values = append(resp.Values, row.Values(sheet.Headers))
	}
	return resp
}

// getShare reads one column group across all rows, without identity
// columns, for peer-response display.
func (g *Gateway) getShare(req *rowstore.Request, sheet *store.Sheet) *rowstore.Response {
	var cols []string
	for _, h := range sheet.Headers[len(model.FixedHeaders):] {
		if h == req.GetShare || strings.HasPrefix(h, req.GetShare) {
			cols = append(cols, h)
		}
	}
	if len(cols) == 0 {
		return rowstore.ErrorResponse(rowstore.CodeInvalidColumn, req.GetShare)
	}
	rows, err := g.store.AllRows(sheet.Name)
	if err != nil {
		return rowstore.ErrorResponse(rowstore.CodeInternal, err.Error())
	}
	resp := &rowstore.Response{Result: "success", Headers: cols}
	for _, row := range rows {
		resp.Values = append(resp.Values, row.Values(cols))
	}
	return resp
}

func headersMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// carryGrades preserves admin-graded columns across a learner's full-row
// save, unless any answer column changed to a new non-empty value, in
// which case all grades for the row are wiped so stale grades never
// survive a re-submitted answer.
func carryGrades(old, row model.Row, headers []string) {
	if old == nil {
		return
	}
	changed := false
	for _, h := range headers[len(model.FixedHeaders):] {
		if model.IsGradeColumn(h) || h == model.ColTotal {
			continue
		}
		nv := row.Str(h)
		if nv != "" && nv != old.Str(h) {
			changed = true
			break
		}
	}
	for _, h := range headers {
		if !model.IsGradeColumn(h) {
			continue
		}
		if changed {
			row[h] = nil
		} else {
			row[h] = old[h]
		}
	}
}

// computeTotal maintains q_total as a sum over all grade sub-columns;
// it is never a stored client value.
func computeTotal(row model.Row, headers []string) {
	hasTotal := false
	for _, h := range headers {
		if h == model.ColTotal {
			hasTotal = true
			break
		}
	}
	if !hasTotal {
		return
	}
	total := 0.0
	graded := false
	for _, h := range headers {
		if !model.IsGradeColumn(h) || !strings.Contains(h, "_grade") {
			continue
		}
		v := row.Str(h)
		if v == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			total += f
			graded = true
		}
	}
	if graded {
		row[model.ColTotal] = total
	} else {
		row[model.ColTotal] = nil
	}
}
