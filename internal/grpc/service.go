package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fwcoll.v1.SafetyFilter"

const (
	methodChooseU  = "/" + ServiceName + "/ChooseU"
	methodCalcH    = "/" + ServiceName + "/CalcH"
	methodDescribe = "/" + ServiceName + "/Describe"
)

const defaultRequestTimeout = 5 * time.Second

// SafetyFilterServer is the server API of the SafetyFilter service.
type SafetyFilterServer interface {
	ChooseU(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CalcH(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Describe(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Option customises the behaviour of the service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithRequestTimeout bounds how long a batched ChooseU call may run.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Service serves a barrier filter over gRPC.
type Service struct {
	filter  *barrier.Filter
	log     *logging.Logger
	timeout time.Duration
}

// NewService wires the service to a filter.
func NewService(filter *barrier.Filter, opts ...Option) *Service {
	s := &Service{filter: filter, log: logging.L(), timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(server grpc.ServiceRegistrar) {
	server.RegisterService(&ServiceDesc, s)
}

// ChooseU filters a batch of states and nominal joint action indices.
func (s *Service) ChooseU(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.filter == nil {
		return nil, status.Error(codes.FailedPrecondition, "filter unavailable")
	}
	states, err := DecodeStates(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	nominal, err := DecodeNominal(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	chosen, err := s.filter.Choose(ctx, states, nominal)
	if err != nil {
		return nil, s.statusError(ctx, "ChooseU", err)
	}
	return EncodeActions(chosen)
}

// CalcH evaluates the barrier value for each state row.
func (s *Service) CalcH(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.filter == nil {
		return nil, status.Error(codes.FailedPrecondition, "filter unavailable")
	}
	states, err := DecodeStates(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h := make([]float64, len(states))
	for i, row := range states {
		if err := ctx.Err(); err != nil {
			return nil, s.statusError(ctx, "CalcH", err)
		}
		x, err := physics.JointStateFromRow(row)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "row %d: %v", i, err)
		}
		h[i] = s.filter.CalcH(x)
	}
	return EncodeH(h)
}

// Describe reports the filter configuration.
func (s *Service) Describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.filter == nil {
		return nil, status.Error(codes.FailedPrecondition, "filter unavailable")
	}
	out, err := DescribeFilter(s.filter)
	if err != nil {
		return nil, s.statusError(ctx, "Describe", err)
	}
	return out, nil
}

// statusError maps domain errors onto gRPC status codes.
func (s *Service) statusError(ctx context.Context, method string, err error) error {
	var (
		shape  *barrier.ShapeError
		lookup *actions.LookupError
		rng    *actions.RangeError
	)
	switch {
	case errors.As(err, &shape), errors.As(err, &lookup), errors.As(err, &rng):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	logging.LoggerFromContext(ctx).Error("safety filter call failed", logging.String("method", method), logging.Error(err))
	return status.Error(codes.Internal, err.Error())
}

func chooseUHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SafetyFilterServer).ChooseU(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodChooseU}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SafetyFilterServer).ChooseU(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func calcHHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SafetyFilterServer).CalcH(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCalcH}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SafetyFilterServer).CalcH(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SafetyFilterServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SafetyFilterServer).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the SafetyFilter service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SafetyFilterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ChooseU", Handler: chooseUHandler},
		{MethodName: "CalcH", Handler: calcHHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fwcoll/v1/safety_filter.proto",
}

var _ SafetyFilterServer = (*Service)(nil)
