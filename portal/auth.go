package portal

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Permission names carried in session claims.
const (
	PermTriggerRuns     = "can_trigger_runs"
	PermManageSchedules = "can_manage_schedules"
	PermEditCompanies   = "can_edit_companies"
	PermManageSettings  = "can_manage_portal_settings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// User is one operator account with its permission set.
type User struct {
	Username    string
	Password    string
	Permissions map[string]bool
}

// AdminPermissions grants everything.
func AdminPermissions() map[string]bool {
	return map[string]bool{
		PermTriggerRuns:     true,
		PermManageSchedules: true,
		PermEditCompanies:   true,
		PermManageSettings:  true,
	}
}

// Claims is the session token payload. The CSRF token is bound into the
// session; mutation requests must echo it in the X-CSRF-Token header.
type Claims struct {
	Username    string          `json:"username"`
	Permissions map[string]bool `json:"permissions"`
	CSRF        string          `json:"csrf"`
	jwt.RegisteredClaims
}

// Has reports whether the session holds a permission.
func (c *Claims) Has(perm string) bool {
	return c.Permissions[perm]
}

// TokenService issues and validates HS256 session tokens.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a token service. expiration <= 0 defaults to
// 24 hours.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     "oiat.dev/portal",
	}
}

// Issue generates a session token and its bound CSRF token.
func (s *TokenService) Issue(user *User) (token, csrf string, err error) {
	csrf, err = randomToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	claims := Claims{
		Username:    user.Username,
		Permissions: user.Permissions,
		CSRF:        csrf,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   user.Username,
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return token, csrf, nil
}

// Validate parses a session token.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// authenticate checks a login request against the configured users.
func authenticate(users []User, username, password string) (*User, error) {
	for i := range users {
		u := &users[i]
		nameOK := subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1
		if nameOK && passOK {
			return u, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// sessionClaims extracts the validated claims placed by the JWT
// middleware.
func sessionClaims(c echo.Context) (*Claims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "malformed session")
	}
	return claims, nil
}

// requirePermission gates a route on a session permission, and on
// mutations also enforces the CSRF header bound to the session.
func requirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := sessionClaims(c)
			if err != nil {
				return err
			}
			if !claims.Has(perm) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("missing permission %s", perm))
			}
			if isMutation(c.Request().Method) {
				if err := checkCSRF(c, claims); err != nil {
					return err
				}
			}
			return next(c)
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func checkCSRF(c echo.Context, claims *Claims) error {
	header := c.Request().Header.Get("X-CSRF-Token")
	if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(claims.CSRF)) != 1 {
		return echo.NewHTTPError(http.StatusForbidden, "CSRF token missing or invalid")
	}
	return nil
}
