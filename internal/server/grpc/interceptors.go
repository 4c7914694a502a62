package grpcserver

import (
	"context"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/satlink/internal/limiter"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		// metadata only, never payloads
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteAddr(ctx)),
		}
		if code == codes.Internal {
			log.Error("grpc", append(fields, zap.Error(err))...)
			return resp, err
		}
		log.Info("grpc", fields...)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// RateLimitUnary rejects callers over budget with ResourceExhausted. The key
// is the authenticated user, or the remote host for public methods. It must
// run after AuthUnary.
func RateLimitUnary(l limiter.Limiter, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		key, ok := UserIDFromCtx(ctx)
		if !ok {
			key = "ip:" + remoteHost(ctx)
		}
		allowed, retry, err := l.Allow(ctx, key)
		if err != nil {
			// Limiter faults fail open.
			log.Warn("rate limiter", zap.Error(err))
			return next(ctx, req)
		}
		if !allowed {
			if retry > 0 {
				secs := int(retry.Round(time.Second) / time.Second)
				_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(max(secs, 1))))
			}
			return nil, status.Error(codes.ResourceExhausted, "rate_limited: too many requests")
		}
		return next(ctx, req)
	}
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// remoteHost is the peer address without its port; IPv6 hosts lose their brackets.
func remoteHost(ctx context.Context) string {
	addr := remoteAddr(ctx)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
