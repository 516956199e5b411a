package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "checkout.v1.CheckoutService"

const (
	checkoutMethod = "/" + ServiceName + "/Checkout"
	getOrderMethod = "/" + ServiceName + "/GetOrder"
)

// CheckoutServiceServer is the server API. Messages are google.protobuf.Struct
// documents so the service needs no generated code.
type CheckoutServiceServer interface {
	Checkout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// CheckoutServiceDesc describes the service for grpc.Server.RegisterService.
var CheckoutServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "Checkout", Handler: checkoutHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "checkout/v1/checkout.proto",
}

// RegisterCheckoutServiceServer registers srv on s.
func RegisterCheckoutServiceServer(s grpcpkg.ServiceRegistrar, srv CheckoutServiceServer) {
	s.RegisterService(&CheckoutServiceDesc, srv)
}

func checkoutHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServiceServer).Checkout(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: checkoutMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServiceServer).Checkout(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServiceServer).GetOrder(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: getOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServiceServer).GetOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CheckoutServiceClient calls a remote CheckoutService.
type CheckoutServiceClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewCheckoutServiceClient constructs a client over cc.
func NewCheckoutServiceClient(cc grpcpkg.ClientConnInterface) *CheckoutServiceClient {
	return &CheckoutServiceClient{cc: cc}
}

func (c *CheckoutServiceClient) Checkout(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkoutMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutServiceClient) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
