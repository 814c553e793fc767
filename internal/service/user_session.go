package service

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
)

// UserSessionOptions selects the session backend. With RedisAddr set the
// sessions live in Redis; otherwise they are kept in the signed cookie itself.
type UserSessionOptions struct {
	Dev           bool // cookies are not marked Secure
	Secret        []byte
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// UserSessionService manages user sessions.
type UserSessionService struct {
	store         sessions.Store
	cookieOptions sessions.Options
}

// sessionKeyUserID is the key used to store and retrieve the user ID in the session.
const sessionKeyUserID = "uid"

// NewUserSessionService creates a UserSessionService.
func NewUserSessionService(opts UserSessionOptions) (*UserSessionService, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("session secret is empty")
	}

	var store sessions.Store
	if opts.RedisAddr != "" {
		s, err := redis.NewStoreWithDB(10, "tcp", opts.RedisAddr, opts.RedisPassword, strconv.Itoa(opts.RedisDB), opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("new redis store: %w", err)
		}
		store = s
	} else {
		store = cookie.NewStore(opts.Secret)
	}

	cookieOptions := sessions.Options{
		Path:     "/api",
		MaxAge:   4 * 3600,
		Secure:   !opts.Dev,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	store.Options(cookieOptions)

	return &UserSessionService{store: store, cookieOptions: cookieOptions}, nil
}

// Middleware attaches session handling.
func (s *UserSessionService) Middleware() gin.HandlerFunc {
	return sessions.Sessions("sid" /* Cookie name */, s.store)
}

// SetUserSession stores the given user ID in the session and persists it.
func (s *UserSessionService) SetUserSession(session sessions.Session, uid string) error {
	session.Set(sessionKeyUserID, uid)

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearUserSession clears all session data and expires the cookie.
func (s *UserSessionService) ClearUserSession(session sessions.Session) error {
	session.Clear()

	opts := s.cookieOptions
	opts.MaxAge = -1
	session.Options(opts)

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetUserID returns the user ID from the given session.
// It reports false if no valid user ID is present.
func (s *UserSessionService) GetUserID(session sessions.Session) (string, bool) {
	uid, ok := session.Get(sessionKeyUserID).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}
