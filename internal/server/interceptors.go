package server

import (
	"FinLedger/internal/core"
	"FinLedger/internal/fault"
	"FinLedger/internal/observability"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// toStatus maps ledger errors onto gRPC codes. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case fault.IsErrValidation(err):
		code = codes.InvalidArgument
	case fault.IsErrInsufficientFunds(err):
		code = codes.FailedPrecondition
	case fault.IsErrNotAdmin(err):
		code = codes.PermissionDenied
	case fault.IsErrArithmetic(err):
		code = codes.OutOfRange
	case fault.IsErrNotFound(err):
		code = codes.NotFound
	case errors.Is(err, core.ErrSequencerStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// isPublic reports whether fullMethod is served without a token.
func isPublic(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

// authInterceptor puts the bearer token subject into the context.
func authInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isPublic(info.FullMethod) {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		caller, err := auth.Verify(header)
		if err != nil {
			return nil, err
		}
		return handler(WithCaller(ctx, caller), req)
	}
}

// rateLimitInterceptor rejects requests once the shared limiter is
// exhausted.
func rateLimitInterceptor(limiter *rate.Limiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isPublic(info.FullMethod) || limiter.Allow() {
			return handler(ctx, req)
		}
		if metrics != nil {
			metrics.APIThrottled.Inc()
		}
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
}

// observeInterceptor maps errors to status codes, records metrics and
// logs failed calls. It runs outermost so it sees the final code.
func observeInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)

		code := status.Code(err)
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		if metrics != nil {
			metrics.APIRequests.WithLabelValues(method, code.String()).Inc()
			metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		if code == codes.Internal || code == codes.Unavailable {
			logger.Error().Err(err).Str("method", method).Msg("request failed")
		} else if err != nil {
			logger.Debug().Err(err).Str("method", method).Msg("request rejected")
		}
		return resp, err
	}
}
