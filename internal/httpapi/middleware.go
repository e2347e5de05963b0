package httpapi

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
)

const (
	headerRequestID          = "X-Request-ID"
	headerAPIKey             = "X-API-Key"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"

	contextKeyRequestID   = "request_id"
	contextKeyAdminClaims = "admin_claims"

	bearerPrefix   = "Bearer "
	maxRequestID   = 96
	resultAllowed  = "allowed"
	resultRejected = "rejected"
	resultDegraded = "degraded"
)

// requestIDMiddleware honours an inbound X-Request-ID or mints one, echoes it
// back and scopes the context logger to it.
func requestIDMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := strings.TrimSpace(ctx.GetHeader(headerRequestID))
		if requestID == "" || len(requestID) > maxRequestID {
			requestID = uuid.NewString()
		}
		ctx.Set(contextKeyRequestID, requestID)
		ctx.Header(headerRequestID, requestID)
		scoped := logger.With(zap.String("request_id", requestID))
		ctx.Request = ctx.Request.WithContext(logging.WithContext(ctx.Request.Context(), scoped))
		ctx.Next()
	}
}

func accessLogMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		status := ctx.Writer.Status()
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", ctx.ClientIP()),
		}
		logger := logging.FromContext(ctx.Request.Context())
		if status >= http.StatusInternalServerError {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

// rateLimitMiddleware admits each request through limiter, keyed by the
// presented credential or the client address.
func rateLimitMiddleware(limiter ratelimit.Limiter, bypass []string, collectors *metrics.Collectors) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ratelimit.IsBypassPath(ctx.Request.URL.Path, bypass) {
			ctx.Next()
			return
		}
		identity := ratelimit.Identity(presentedCredential(ctx.Request), ctx.ClientIP())
		decision := limiter.Admit(ctx.Request.Context(), identity)

		ctx.Header(headerRateLimitLimit, strconv.Itoa(decision.Limit))
		ctx.Header(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfterSeconds := int64(decision.RetryAfter / time.Second)
			ctx.Header(headerRetryAfter, strconv.FormatInt(retryAfterSeconds, 10))
			observeDecision(collectors, resultRejected)
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorWithDetails(
				codeRateLimited,
				fmt.Sprintf("rate limit exceeded; retry after %d seconds", retryAfterSeconds),
				gin.H{"retry_after": retryAfterSeconds, "limit": decision.Limit},
			))
			return
		}
		if decision.Degraded {
			observeDecision(collectors, resultDegraded)
		} else {
			observeDecision(collectors, resultAllowed)
		}
		ctx.Next()
	}
}

func observeDecision(collectors *metrics.Collectors, result string) {
	if collectors == nil {
		return
	}
	collectors.RateLimitDecisions.WithLabelValues(result).Inc()
}

func presentedCredential(request *http.Request) string {
	if token, ok := bearerToken(request); ok {
		return token
	}
	return strings.TrimSpace(request.Header.Get(headerAPIKey))
}

func bearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// AdminClaims are the JWT claims admin routes accept. Either Role or one of
// Roles must equal the configured admin role.
type AdminClaims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (claims *AdminClaims) hasRole(role string) bool {
	return claims.Role == role || slices.Contains(claims.Roles, role)
}

// adminAuthMiddleware requires an HS256 bearer token signed with signingKey,
// issued by issuer and carrying role.
func adminAuthMiddleware(signingKey []byte, issuer string, role string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) {
		return signingKey, nil
	}
	return func(ctx *gin.Context) {
		raw, ok := bearerToken(ctx.Request)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing bearer token"))
			return
		}
		claims := &AdminClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
			logging.FromContext(ctx.Request.Context()).Warn("admin token rejected", zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "invalid token"))
			return
		}
		if !claims.hasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(codeForbidden, "admin role required"))
			return
		}
		ctx.Set(contextKeyAdminClaims, claims)
		ctx.Next()
	}
}
