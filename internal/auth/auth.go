// Package auth issues and validates the session and resume tokens that
// gate access to a document's sync channel. The JWT HS256 pattern is
// carried over from the teacher's bearer-token auth; the resume-token
// scheme is new, since the teacher had no equivalent of a reconnecting
// sync client that must prove it owns a specific prior session.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/scriptum/daemon/internal/scerr"
)

// SessionContext identifies the principal behind a sync connection, as
// carried by both session tokens and resume tokens.
type SessionContext struct {
	ClientID    string    `json:"client_id"`
	WorkspaceID string    `json:"workspace_id"`
	SessionID   string    `json:"session_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// sessionClaims is the JWT claim shape for a session token.
type sessionClaims struct {
	ClientID    string `json:"client_id"`
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id"`
	jwt.RegisteredClaims
}

// resumeClaims is the JWT claim shape for a single-use resume token. Its
// jti is tracked in consumedJTI so a resume token can be redeemed exactly
// once, preventing a stale reconnect from racing a live session.
type resumeClaims struct {
	ClientID    string `json:"client_id"`
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id"`
	jwt.RegisteredClaims
}

const (
	sessionTokenTTL = 24 * time.Hour
	resumeTokenTTL  = 10 * time.Minute
)

// SessionAuth issues and validates session/resume tokens for one daemon
// instance, keyed by a single HMAC secret loaded at startup.
type SessionAuth struct {
	secret []byte

	mu          sync.Mutex
	consumedJTI map[string]time.Time
}

// New builds a SessionAuth around secret, which should come from
// SCRIPTUM_SESSION_SECRET.
func New(secret []byte) *SessionAuth {
	return &SessionAuth{
		secret:      secret,
		consumedJTI: make(map[string]time.Time),
	}
}

// IssueSessionToken mints a bearer token a client presents on `hello` to
// authenticate a sync connection.
func (a *SessionAuth) IssueSessionToken(clientID, workspaceID string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		ClientID:    clientID,
		WorkspaceID: workspaceID,
		SessionID:   uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
			Issuer:    "scriptumd",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateSessionToken verifies a session token's signature and
// expiration and returns the principal it carries.
func (a *SessionAuth) ValidateSessionToken(tokenString string) (*SessionContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, a.keyFunc)
	if err != nil {
		return nil, scerr.Wrap(scerr.AuthInvalidToken, err, "parse session token")
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, scerr.New(scerr.AuthInvalidToken, "session token invalid")
	}
	return &SessionContext{
		ClientID:    claims.ClientID,
		WorkspaceID: claims.WorkspaceID,
		SessionID:   claims.SessionID,
		IssuedAt:    claims.IssuedAt.Time,
	}, nil
}

// IssueResumeToken mints a short-lived, single-use token a disconnected
// client presents in its next `hello` to show it continues the session
// the token names; the client still subscribes to its documents again.
func (a *SessionAuth) IssueResumeToken(sess SessionContext) (string, error) {
	now := time.Now().UTC()
	claims := resumeClaims{
		ClientID:    sess.ClientID,
		WorkspaceID: sess.WorkspaceID,
		SessionID:   sess.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(resumeTokenTTL)),
			Issuer:    "scriptumd",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ConsumeResumeToken validates a resume token and marks its jti consumed.
// A second redemption of the same token fails even before it expires.
func (a *SessionAuth) ConsumeResumeToken(tokenString string) (*SessionContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &resumeClaims{}, a.keyFunc)
	if err != nil {
		return nil, scerr.Wrap(scerr.AuthInvalidToken, err, "parse resume token")
	}
	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid {
		return nil, scerr.New(scerr.AuthInvalidToken, "resume token invalid")
	}
	if claims.ID == "" {
		return nil, scerr.New(scerr.AuthInvalidToken, "resume token missing jti")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpiredLocked()
	if _, used := a.consumedJTI[claims.ID]; used {
		return nil, scerr.New(scerr.SyncTokenExpired, "resume token already consumed")
	}
	a.consumedJTI[claims.ID] = claims.ExpiresAt.Time

	return &SessionContext{
		ClientID:    claims.ClientID,
		WorkspaceID: claims.WorkspaceID,
		SessionID:   claims.SessionID,
		IssuedAt:    claims.IssuedAt.Time,
	}, nil
}

// evictExpiredLocked drops consumed-jti entries past their token's own
// expiry, since an expired jti can never be replayed successfully anyway.
// Caller must hold a.mu.
func (a *SessionAuth) evictExpiredLocked() {
	now := time.Now()
	for jti, exp := range a.consumedJTI {
		if now.After(exp) {
			delete(a.consumedJTI, jti)
		}
	}
}

func (a *SessionAuth) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return a.secret, nil
}
