// Package auth implements the HMAC token scheme shared by the row-store
// client, the server gateway and the token CLI.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slidoc/slidoc/internal/model"
)

// truncateDigest is the length tokens are truncated to; comparisons are
// over the truncated form.
const truncateDigest = 8

// TokenNone is the special late token that always grants late access
// with zero credit.
const TokenNone = "none"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidLateToken = errors.New("invalid late token")
)

// Sign computes the truncated base64url HMAC-MD5 signature of message.
func Sign(key, message string) string {
	mac := hmac.New(md5.New, []byte(key))
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return sig[:truncateDigest]
}

// UserToken generates the token authenticating userID ("id" scheme).
func UserToken(key, userID string) string {
	return Sign(key, "id:"+userID)
}

// AdminToken generates the token authenticating adminUser ("admin" scheme).
func AdminToken(key, adminUser string) string {
	return Sign(key, "admin:"+adminUser)
}

// VerifyUser checks a user token in constant time.
func VerifyUser(key, userID, token string) error {
	return verify(UserToken(key, userID), token)
}

// VerifyAdmin checks an admin token in constant time.
func VerifyAdmin(key, adminUser, token string) error {
	return verify(AdminToken(key, adminUser), token)
}

func verify(want, got string) error {
	if len(got) != len(want) || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// LateToken generates a late-submission token for user on session,
// effective until the given UTC date. The token embeds its own due date:
// <date>:<hmac of "late:user:session:date">.
func LateToken(key, userID, session, date string) string {
	return date + ":" + Sign(key, lateMessage(userID, session, date))
}

func lateMessage(userID, session, date string) string {
	return fmt.Sprintf("late:%s:%s:%s", userID, session, date)
}

// VerifyLateToken validates a late token and returns the effective due
// time it embeds. The special token "none" is accepted by the caller
// before reaching here.
func VerifyLateToken(key, userID, session, token string) (time.Time, error) {
	sep := strings.LastIndex(token, ":")
	if sep <= 0 || sep == len(token)-1 {
		return time.Time{}, fmt.Errorf("%w: malformed", ErrInvalidLateToken)
	}
	date, sig := token[:sep], token[sep+1:]
	want := Sign(key, lateMessage(userID, session, date))
	if len(sig) != len(want) || subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return time.Time{}, ErrInvalidLateToken
	}
	due, err := model.ParseUTCDate(date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidLateToken, date)
	}
	return due, nil
}
