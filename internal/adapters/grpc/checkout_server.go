package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"checkoutd/internal/checkout"
	"checkoutd/internal/checkout/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CheckoutService defines the behavior needed by the gRPC adapter.
type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (domain.Result, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// CheckoutServer adapts CheckoutService to gRPC.
type CheckoutServer struct {
	service CheckoutService
}

// NewCheckoutServer constructs a CheckoutServer.
func NewCheckoutServer(svc CheckoutService) *CheckoutServer {
	return &CheckoutServer{service: svc}
}

type checkoutRequest struct {
	IdempotencyKey string               `json:"idempotency_key"`
	PaymentMethod  domain.PaymentMethod `json:"payment_method"`
	Cart           domain.Cart          `json:"cart"`
}

// Checkout decodes the request document, runs the checkout and maps the
// result to a status. Non-confirmed results travel as a status detail.
func (s *CheckoutServer) Checkout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in checkoutRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	result, err := s.service.Checkout(ctx, checkout.Request{
		IdempotencyKey: in.IdempotencyKey,
		Cart:           in.Cart,
		PaymentMethod:  in.PaymentMethod,
	})
	if err != nil {
		return nil, mapCheckoutError(err)
	}

	body, err := encodeStruct(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	code := resultCode(result)
	if code == codes.OK {
		return body, nil
	}
	st := status.New(code, resultMessage(result))
	if detailed, derr := st.WithDetails(body); derr == nil {
		st = detailed
	}
	return nil, st.Err()
}

// GetOrder returns the stored order named by "order_id".
func (s *CheckoutServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := req.GetFields()["order_id"].GetStringValue()
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	order, err := s.service.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapCheckoutError(err)
	}
	body, err := encodeStruct(order)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	return body, nil
}

func resultCode(result domain.Result) codes.Code {
	switch {
	case result.Kind == domain.ResultConfirmed:
		return codes.OK
	case result.Kind == domain.ResultRejected:
		return codes.FailedPrecondition
	case result.Retryable:
		return codes.Unavailable
	}
	return codes.Internal
}

func resultMessage(result domain.Result) string {
	msg := fmt.Sprintf("checkout %s: %s", result.Kind, result.Reason)
	if result.Detail != "" {
		msg += ": " + result.Detail
	}
	return msg
}

func mapCheckoutError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrClient):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrCheckoutInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// decodeStruct round-trips a Struct through JSON into a typed value.
func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return errors.New("empty request")
	}
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}
