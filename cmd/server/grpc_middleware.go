package main

import (
	"context"
	"strings"
	"time"

	"checkoutd/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// grpcRateLimiter admits one call per interval with the given burst. Waits are
// reported through onWait so they show up in the call stats.
type grpcRateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	onWait  func(time.Duration)
}

// newGrpcRateLimiter returns nil (no limiting) when interval or burst is not positive.
func newGrpcRateLimiter(interval time.Duration, burst int, onWait func(time.Duration)) *grpcRateLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &grpcRateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		now:     time.Now,
		sleep:   sleepWithContext,
		onWait:  onWait,
	}
}

func (r *grpcRateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := r.now()
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	wait := res.DelayFrom(now)
	if wait <= 0 {
		return nil
	}
	if r.onWait != nil {
		r.onWait(wait)
	}
	if err := r.sleep(ctx, wait); err != nil {
		res.CancelAt(r.now())
		return err
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logCallError(logger, "unary", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{
				ServerStream: stream,
				limiter:      limiter,
			}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logCallError(logger, "stream", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

// logCallError logs failed calls. Business outcomes (rejections, conflicts)
// are expected traffic and stay at debug level.
func logCallError(logger zerolog.Logger, kind, method string, elapsed time.Duration, err error) {
	event := logger.Warn()
	switch status.Code(err) {
	case codes.FailedPrecondition, codes.InvalidArgument, codes.NotFound, codes.Aborted:
		event = logger.Debug()
	}
	event.Err(err).
		Str("kind", kind).
		Str("method", method).
		Dur("elapsed", elapsed).
		Msg("grpc call failed")
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
