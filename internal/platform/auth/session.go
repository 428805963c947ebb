package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is the portal role a session acts under.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleLab     Role = "lab"
	RoleAdmin   Role = "admin"
)

// ParseRole normalizes a role string. Unknown roles are an error.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleDoctor, RolePatient, RoleLab, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Session is the authenticated identity of one request.
type Session struct {
	UserID string
	Role   Role
}

func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

// Is reports whether the session acts as userID under role, or is an admin.
func (s Session) Is(role Role, userID string) bool {
	if s.IsAdmin() {
		return true
	}
	return s.Role == role && s.UserID == userID
}

type contextKey string

const sessionKey contextKey = "session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session set by the auth middleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

func UserIDFromContext(ctx context.Context) string {
	s, _ := SessionFromContext(ctx)
	return s.UserID
}

func RoleFromContext(ctx context.Context) Role {
	s, _ := SessionFromContext(ctx)
	return s.Role
}
