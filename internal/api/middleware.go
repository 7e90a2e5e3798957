package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"golang.org/x/time/rate"
)

const (
	adminRole          = "admin"
	bearerPrefix       = "Bearer "
	limiterIdleTimeout = 3 * time.Minute
	limiterPruneEvery  = time.Minute
)

// AdminClaims is the payload of operator tokens accepted on /admin routes.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type adminAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func newAdminAuthenticator(secret []byte) (*adminAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("admin jwt secret is required")
	}
	return &adminAuthenticator{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

func (authenticator *adminAuthenticator) authenticate(header string) (*AdminClaims, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, errors.New("missing bearer token")
	}
	claims := &AdminClaims{}
	_, err := authenticator.parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(*jwt.Token) (any, error) {
		return authenticator.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Role != adminRole || strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("admin role required")
	}
	return claims, nil
}

func (authenticator *adminAuthenticator) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := authenticator.authenticate(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin token required"))
			return
		}
		ctx.Set(adminContextKey, claims)
		ctx.Next()
	}
}

func getAdminClaims(ctx *gin.Context) *AdminClaims {
	value, ok := ctx.Get(adminContextKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*AdminClaims)
	return claims
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// userRateLimiter keeps one token bucket per authenticated user.
type userRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserRateLimiter(limit rate.Limit, burst int) *userRateLimiter {
	return &userRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (limiter *userRateLimiter) limiterFor(key string) *rate.Limiter {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.now()
	if now.Sub(limiter.lastPrune) >= limiterPruneEvery {
		for visitorKey, entry := range limiter.visitors {
			if now.Sub(entry.lastSeen) > limiterIdleTimeout {
				delete(limiter.visitors, visitorKey)
			}
		}
		limiter.lastPrune = now
	}

	entry, exists := limiter.visitors[key]
	if !exists {
		entry = &visitor{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (limiter *userRateLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if limiter.limit <= 0 {
			ctx.Next()
			return
		}
		key := ctx.ClientIP()
		if claims := getClaims(ctx); claims != nil {
			key = claims.GetUserID()
		}
		if !limiter.limiterFor(key).Allow() {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}
