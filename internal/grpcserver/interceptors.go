package grpcserver

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
)

const (
	metadataAuthorization = "authorization"
	metadataAPIKey        = "x-api-key"
	metadataRetryAfter    = "retry-after"
	bearerPrefix          = "bearer "
)

// LoggingInterceptor attaches logger to the call context and logs each call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		callLogger := logger.With(zap.String("method", info.FullMethod))
		response, err := handler(logging.WithContext(ctx, callLogger), request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("code", code.String()),
			zap.Duration("latency", time.Since(started)),
		}
		switch code {
		case codes.OK:
			callLogger.Debug("grpc call", fields...)
		case codes.Internal, codes.Unknown, codes.Unavailable:
			callLogger.Error("grpc call failed", append(fields, zap.Error(err))...)
		default:
			callLogger.Info("grpc call rejected", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}

// RateLimitInterceptor admits calls through limiter keyed on the presented
// credential, falling back to the peer address.
func RateLimitInterceptor(limiter ratelimit.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		decision := limiter.Admit(ctx, callIdentity(ctx))
		if decision.Allowed {
			return handler(ctx, request)
		}
		seconds := int64(decision.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		if err := grpc.SetHeader(ctx, metadata.Pairs(metadataRetryAfter, strconv.FormatInt(seconds, 10))); err != nil {
			logging.FromContext(ctx).Debug("retry-after header not set", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return nil, status.Errorf(codes.ResourceExhausted, "%s: retry after %ds", errorRateLimited, seconds)
	}
}

func callIdentity(ctx context.Context) string {
	credential := ""
	if incoming, ok := metadata.FromIncomingContext(ctx); ok {
		if values := incoming.Get(metadataAuthorization); len(values) > 0 {
			value := strings.TrimSpace(values[0])
			if strings.HasPrefix(strings.ToLower(value), bearerPrefix) {
				credential = strings.TrimSpace(value[len(bearerPrefix):])
			}
		}
		if credential == "" {
			if values := incoming.Get(metadataAPIKey); len(values) > 0 {
				credential = strings.TrimSpace(values[0])
			}
		}
	}
	remoteAddr := ""
	if callPeer, ok := peer.FromContext(ctx); ok && callPeer.Addr != nil {
		remoteAddr = callPeer.Addr.String()
	}
	return ratelimit.Identity(credential, remoteAddr)
}
