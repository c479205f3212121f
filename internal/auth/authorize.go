package auth

import (
	"context"
	"strconv"
)

// Identity is the stable subject extracted from a verified credential.
// It carries no roles or permissions; those are resolved per request.
type Identity struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	TokenID string `json:"-"`
}

// Subject returns the identity as a JWT subject string.
func (i Identity) Subject() string {
	return strconv.FormatInt(i.UserID, 10)
}

// SubjectLookup resolves a live user for a decoded subject. ok is false when
// no active user matches.
type SubjectLookup interface {
	LookupSubject(ctx context.Context, userID int64) (id Identity, ok bool, err error)
}

// SubjectLookupFunc adapts a function to SubjectLookup.
type SubjectLookupFunc func(ctx context.Context, userID int64) (Identity, bool, error)

func (f SubjectLookupFunc) LookupSubject(ctx context.Context, userID int64) (Identity, bool, error) {
	return f(ctx, userID)
}
