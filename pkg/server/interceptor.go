package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openjdbcproxy/ojp-go/pkg/executor"
)

// UnaryAdmissionInterceptor runs every unary call, except the exempt
// methods, inside an execution slot chosen by the full method name.
func UnaryAdmissionInterceptor(exec *executor.Executor, exempt []string) grpc.UnaryServerInterceptor {
	skip := methodSet(exempt)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		var (
			resp     any
			admitted bool
		)
		err := exec.Do(ctx, info.FullMethod, func(ctx context.Context) error {
			admitted = true
			var err error
			resp, err = handler(ctx, req)
			return err
		})
		if err != nil && !admitted {
			return nil, admissionError(ctx, info.FullMethod, err)
		}
		return resp, err
	}
}

// StreamAdmissionInterceptor holds one slot for the whole lifetime of a stream.
func StreamAdmissionInterceptor(exec *executor.Executor, exempt []string) grpc.StreamServerInterceptor {
	skip := methodSet(exempt)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, ok := skip[info.FullMethod]; ok {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		admitted := false
		err := exec.Do(ctx, info.FullMethod, func(context.Context) error {
			admitted = true
			return handler(srv, ss)
		})
		if err != nil && !admitted {
			return admissionError(ctx, info.FullMethod, err)
		}
		return err
	}
}

// admissionError maps a failed admission to a gRPC status.
func admissionError(ctx context.Context, method string, err error) error {
	if errors.Is(err, executor.ErrRejected) {
		return status.Errorf(codes.ResourceExhausted, "no execution slot available for %s", method)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return status.FromContextError(ctxErr).Err()
	}
	return status.Errorf(codes.Internal, "admission failed: %v", err)
}

func methodSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return set
}
