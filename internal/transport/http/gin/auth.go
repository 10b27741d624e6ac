package httpgin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kirinyoku/ticksy/internal/domain"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
)

const (
	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	ctxRole      = "role"
)

var errMissingToken = errors.New("missing bearer token")

// Claims is what the identity provider puts in an access token. The subject
// is the numeric user id.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate verifies an HS256 bearer token and stores the caller's id and
// role on the context. Tokens are issued elsewhere.
func Authenticate(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		userID, role, err := verify(parser, secret, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func verify(parser *jwt.Parser, secret []byte, header string) (int64, domain.Role, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, "", errMissingToken
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return 0, "", err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", errors.New("subject is not a user id")
	}

	return id, claims.Role, nil
}

// RequireRole lets through callers whose token carries one of roles. The
// services still check the directory, so a stale token cannot outlive a
// deactivated account.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(ctxRole)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "forbidden"})
	}
}

func userID(c *gin.Context) int64 {
	id, _ := c.Get(ctxUserID)
	v, _ := id.(int64)
	return v
}

// Limiter admits or refuses one hit for subject.
type Limiter interface {
	Allow(ctx context.Context, subject string) (redisrepo.Decision, error)
}

// RateLimit throttles per authenticated user, or per client IP before
// authentication. A limiter error lets the request through.
func RateLimit(l Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}

		subject := "ip:" + c.ClientIP()
		if id := userID(c); id != 0 {
			subject = "user:" + strconv.FormatInt(id, 10)
		}

		d, err := l.Allow(c.Request.Context(), subject)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limiter unavailable", slog.Any("err", err))
			c.Next()
			return
		}

		if !d.Allowed {
			retry := int(d.RetryAfter.Round(time.Second) / time.Second)
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
			return
		}

		c.Next()
	}
}
