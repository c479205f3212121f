package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "medgate"

const clockSkew = 5 * time.Second

// Claims carries identity only. Authorization state is never embedded.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs identity tokens with HS256.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds a token issuer.
func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be greater than zero")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID and returns it with its expiry.
func (i *Issuer) Issue(userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("userID is required")
	}
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verifier validates bearer credentials and resolves them to a live identity.
type Verifier struct {
	secret   []byte
	issuer   string
	subjects SubjectLookup
	now      func() time.Time
}

// NewVerifier builds a verifier. subjects is consulted on every call.
func NewVerifier(secret, issuer string, subjects SubjectLookup) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	if subjects == nil {
		return nil, errors.New("subject lookup is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, subjects: subjects, now: time.Now}, nil
}

// Verify checks signature, issuer and lifetime, then requires a live user for
// the subject. Decoding failures return ErrInvalidCredential, a missing user
// returns ErrUnknownSubject. Lookup failures are returned wrapped and are not
// authentication errors.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrInvalidCredential
	}
	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, ErrInvalidCredential
	}

	id, found, err := v.subjects.LookupSubject(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup subject: %w", err)
	}
	if !found {
		return Identity{}, ErrUnknownSubject
	}
	id.UserID = userID
	id.TokenID = claims.ID
	return id, nil
}

// BearerToken extracts the token from an Authorization header value.
// An absent header yields ErrMissingCredential, a malformed one ErrInvalidCredential.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidCredential
	}
	return token, nil
}
