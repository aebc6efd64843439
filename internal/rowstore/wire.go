// Package rowstore is the typed client for the remote per-learner row
// store: one row per user per named session sheet, with optimistic
// timestamp checking.
package rowstore

import (
	"errors"
	"fmt"
	"strings"
)

// Request is the wire form of one row-store call.
type Request struct {
	Sheet string `json:"sheet"`
	ID    string `json:"id,omitempty"`
	// Token authenticates ID (user scheme) or Admin (admin scheme).
	Token string `json:"token,omitempty"`
	// Admin is the acting admin user name when the admin scheme is used.
	Admin string `json:"admin,omitempty"`
	// LateToken accompanies past-deadline writes.
	LateToken string `json:"latetoken,omitempty"`

	// Headers declares the sheet schema on create.
	Headers []string `json:"headers,omitempty"`
	// Row is a positional full-row write matching the sheet headers.
	Row []any `json:"row,omitempty"`
	// Update is a partial column update: [column, value] pairs.
	Update [][]any `json:"update,omitempty"`

	Get         bool `json:"get,omitempty"`
	All         bool `json:"all,omitempty"`
	NoOverwrite bool `json:"nooverwrite,omitempty"`
	Submit      bool `json:"submit,omitempty"`
	Delete      bool `json:"delrow,omitempty"`

	// Timestamp is the expected prior server timestamp for the row; a
	// mismatch signals a conflicting concurrent write.
	Timestamp string `json:"timestamp,omitempty"`
	// GetShare requests the aggregate read of one column-group prefix.
	GetShare string `json:"getshare,omitempty"`
}

// Response is the wire form of a row-store reply.
type Response struct {
	Result string `json:"result"` // "success" or "error"
	// Headers echoes the sheet schema alongside positional values.
	Headers []string `json:"headers,omitempty"`
	// Value is one row in positional form.
	Value []any `json:"value,omitempty"`
	// Values carries bulk reads (getAll, getShare).
	Values    [][]any `json:"values,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Error     string  `json:"error,omitempty"`
	// Messages is newline-joined, each line tagged Info:/Warning:/Error:<CODE>:.
	Messages string `json:"messages,omitempty"`
}

// Error codes carried in the Error:<CODE>: tag of failed responses.
const (
	CodeNeedID             = "NEED_ID"
	CodeNeedToken          = "NEED_TOKEN"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeNeedAdminToken     = "NEED_ADMIN_TOKEN"
	CodePastSubmitDeadline = "PAST_SUBMIT_DEADLINE"
	CodeInvalidLateToken   = "INVALID_LATE_TOKEN"
	CodeConflictingEdit    = "CONFLICTING_EDIT"
	CodeStaleWrite         = "STALE_WRITE"
	CodeInvalidColumn      = "INVALID_COLUMN"
	CodeAdminColumn        = "ADMIN_COLUMN"
	CodeSheetNotFound      = "SHEET_NOT_FOUND"
	CodeRowExists          = "ROW_EXISTS"
	CodeBusy               = "BUSY"
	CodeInternal           = "INTERNAL"
)

// Client-side sentinel errors grouping the wire error codes by the
// caller's required reaction. The sync layer maps these to recovery
// actions.
var (
	// ErrCredentials covers missing/invalid id or token; the caller must
	// re-prompt for credentials, never retry with stale ones.
	ErrCredentials = errors.New("authentication failed")
	// ErrAdmission covers past-deadline and restricted-column rejections.
	ErrAdmission = errors.New("submission not admitted")
	// ErrConflict marks a conflicting concurrent modification; the
	// operation is aborted, never merged.
	ErrConflict = errors.New("conflicting modification")
	// ErrTransient marks retryable transport or server-busy failures.
	ErrTransient = errors.New("transient row store failure")
	// ErrStaleResponse flags an out-of-sequence response whose timestamp
	// regresses one already applied.
	ErrStaleResponse = errors.New("stale out-of-sequence response")
	// ErrProtocol covers consistency failures (bad column, bad headers);
	// continuing risks corrupting persisted state.
	ErrProtocol = errors.New("row store protocol error")
)

// Err converts a failed response into the matching sentinel error,
// preserving the server's code and detail.
func (r *Response) Err() error {
	if r.Result != "error" {
		return nil
	}
	code, detail := splitError(r.Error)
	var base error
	switch code {
	case CodeNeedID, CodeNeedToken, CodeInvalidToken, CodeNeedAdminToken:
		base = ErrCredentials
	case CodePastSubmitDeadline, CodeInvalidLateToken, CodeAdminColumn:
		base = ErrAdmission
	case CodeConflictingEdit, CodeStaleWrite, CodeRowExists:
		base = ErrConflict
	case CodeBusy:
		base = ErrTransient
	case CodeInvalidColumn, CodeSheetNotFound:
		base = ErrProtocol
	default:
		base = ErrTransient
	}
	if detail == "" {
		detail = code
	}
	return fmt.Errorf("%w: %s: %s", base, code, detail)
}

// ErrorCode extracts the <CODE> from an error response ("" on success).
func (r *Response) ErrorCode() string {
	code, _ := splitError(r.Error)
	return code
}

func splitError(s string) (code, detail string) {
	s = strings.TrimPrefix(s, "Error:")
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

// ErrorResponse builds a failed response with a tagged code.
func ErrorResponse(code, detail string) *Response {
	return &Response{
		Result: "error",
		Error:  fmt.Sprintf("Error:%s:%s", code, detail),
	}
}
