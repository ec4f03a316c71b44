package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"agrifinance/internal/service"
	"agrifinance/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionKey = "session"

var errMissingToken = errors.New("authorization is missing")

// Auth verifies the HS256 tokens issued by the login endpoint.
type Auth struct {
	secret        []byte
	secureCookies bool
}

// NewAuth returns an Auth for secret. secureCookies marks the session cookie
// Secure and SameSite=None for cross-origin deployments.
func NewAuth(secret string, secureCookies bool) *Auth {
	return &Auth{secret: []byte(secret), secureCookies: secureCookies}
}

// SetTokenCookie stores the access token as an HttpOnly cookie.
func (a *Auth) SetTokenCookie(c *gin.Context, token string) {
	a.setCookie(c, token, int(service.TokenTTL/time.Second))
}

// ClearTokenCookie removes the access token cookie.
func (a *Auth) ClearTokenCookie(c *gin.Context) {
	a.setCookie(c, "", -1)
}

func (a *Auth) setCookie(c *gin.Context, value string, maxAge int) {
	sameSite := http.SameSiteLaxMode
	if a.secureCookies {
		sameSite = http.SameSiteNoneMode
	}
	c.SetSameSite(sameSite)
	c.SetCookie("access_token", value, maxAge, "/", "", a.secureCookies, true)
}

// RequireRole validates the token and checks that its role is one of
// allowedRoles. With no roles any authenticated caller passes. The verified
// caller is stored for SessionFrom.
func (a *Auth) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := tokenFrom(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
			return
		}

		session, err := a.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid token: "+err.Error()))
			return
		}

		if len(allowedRoles) > 0 && !contains(allowedRoles, session.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Error(http.StatusForbidden, "Access denied: insufficient permissions"))
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// Parse verifies tokenString and returns the session it carries.
func (a *Auth) Parse(tokenString string) (service.Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return service.Session{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return service.Session{}, errors.New("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return service.Session{}, errors.New("subject is not a user id")
	}
	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return service.Session{}, errors.New("role not found in token")
	}
	return service.Session{UserID: userID, Role: role}, nil
}

// SessionFrom returns the caller verified by RequireRole.
func SessionFrom(c *gin.Context) (service.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return service.Session{}, false
	}
	session, ok := v.(service.Session)
	return session, ok
}

// tokenFrom reads the cookie first and falls back to the Authorization header.
func tokenFrom(c *gin.Context) (string, error) {
	if token, err := c.Cookie("access_token"); err == nil && token != "" {
		return token, nil
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errMissingToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization format, expected 'Bearer <token>'")
	}
	return parts[1], nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
