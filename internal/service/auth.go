package service

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/edirooss/logstream-server/internal/domain/principal"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "auth.principal"

// Credentials configures AuthService. With neither Token nor Username set,
// authentication is disabled and every request is anonymous.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// AuthService handles authentication logic.
type AuthService struct {
	log         *zap.Logger
	UserSession *UserSessionService // nil when password login is disabled
	creds       Credentials
}

// NewAuthService creates a new AuthService. usersesssvc may be nil when no
// username is configured.
func NewAuthService(log *zap.Logger, creds Credentials, usersesssvc *UserSessionService) (*AuthService, error) {
	if creds.Username != "" && usersesssvc == nil {
		return nil, fmt.Errorf("password login requires a session store")
	}
	return &AuthService{log: log.Named("auth"), UserSession: usersesssvc, creds: creds}, nil
}

// Enabled reports whether requests must carry credentials.
func (s *AuthService) Enabled() bool {
	return s.creds.Token != "" || s.creds.Username != ""
}

// Authenticate tries every configured method in turn: anonymous (auth
// disabled), bearer token, session cookie. On success the Principal is set on
// the context.
func (s *AuthService) Authenticate(c *gin.Context) (*principal.Principal, bool) {
	if !s.Enabled() {
		p := &principal.Principal{ID: "anonymous", Kind: principal.Anonymous}
		s.setPrincipal(c, p)
		return p, true
	}
	if token, ok := bearerToken(c); ok {
		return s.AuthenticateWithBearerToken(c, token)
	}
	if s.UserSession != nil {
		return s.AuthenticateWithSession(c)
	}
	return nil, false
}

// AuthenticateWithPassword authenticates using username and password.
// On success, it sets and returns the Principal.
func (s *AuthService) AuthenticateWithPassword(c *gin.Context, username, password string) (*principal.Principal, bool) {
	if s.creds.Username == "" || !equal(username, s.creds.Username) || !equal(password, s.creds.Password) {
		s.log.Debug("password login rejected", zap.String("username", username))
		return nil, false
	}
	p := &principal.Principal{ID: s.creds.Username, Kind: principal.User}
	s.setPrincipal(c, p)
	return p, true
}

// AuthenticateWithSession reads session from context and authenticates user ID.
func (s *AuthService) AuthenticateWithSession(c *gin.Context) (*principal.Principal, bool) {
	if s.UserSession == nil {
		return nil, false
	}
	uid, ok := s.UserSession.GetUserID(sessions.Default(c))
	if !ok || s.creds.Username == "" || uid != s.creds.Username {
		return nil, false
	}
	p := &principal.Principal{ID: uid, Kind: principal.User}
	s.setPrincipal(c, p)
	return p, true
}

// AuthenticateWithBearerToken authenticates using a bearer token.
func (s *AuthService) AuthenticateWithBearerToken(c *gin.Context, token string) (*principal.Principal, bool) {
	if !s.CheckToken(token) {
		return nil, false
	}
	p := &principal.Principal{ID: "token", Kind: principal.Token}
	s.setPrincipal(c, p)
	return p, true
}

// CheckToken reports whether token matches the configured bearer token.
// With auth disabled every token is accepted.
func (s *AuthService) CheckToken(token string) bool {
	if !s.Enabled() {
		return true
	}
	return s.creds.Token != "" && equal(token, s.creds.Token)
}

// WhoAmI returns the authenticated Principal from the Gin context.
// Returns nil if no principal is set.
func (s *AuthService) WhoAmI(c *gin.Context) *principal.Principal {
	if v, ok := c.Get(string(principalKey)); ok {
		if p, ok := v.(*principal.Principal); ok {
			return p
		}
	}
	return nil
}

// setPrincipal attaches the Principal to the Gin context (private).
func (s *AuthService) setPrincipal(c *gin.Context, p *principal.Principal) {
	c.Set(string(principalKey), p)
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
