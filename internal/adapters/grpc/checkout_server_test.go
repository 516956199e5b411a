package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"checkoutd/internal/checkout"
	"checkoutd/internal/checkout/domain"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCheckoutServerImplementsCheckoutServiceServer(t *testing.T) {
	var _ CheckoutServiceServer = (*CheckoutServer)(nil)
}

type spyCheckoutService struct {
	got    checkout.Request
	result domain.Result
	order  domain.Order
	err    error
}

func (s *spyCheckoutService) Checkout(_ context.Context, req checkout.Request) (domain.Result, error) {
	s.got = req
	return s.result, s.err
}

func (s *spyCheckoutService) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return s.order, nil
}

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.Dial()
	}
}

func startServer(t *testing.T, svc CheckoutService) *CheckoutServiceClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	s := grpcpkg.NewServer()
	RegisterCheckoutServiceServer(s, NewCheckoutServer(svc))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() {
		s.Stop()
		_ = lis.Close()
	})

	conn, err := grpcpkg.NewClient(
		"passthrough:///bufnet",
		grpcpkg.WithContextDialer(bufDialer(lis)),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewCheckoutServiceClient(conn)
}

func checkoutDoc(t *testing.T, key, method string) *structpb.Struct {
	t.Helper()
	doc, err := structpb.NewStruct(map[string]any{
		"idempotency_key": key,
		"payment_method":  method,
		"cart": map[string]any{
			"currency": "USD",
			"items": []any{
				map[string]any{"sku": "sku-1", "quantity": 2, "unit_price": "10.50"},
				map[string]any{"sku": "sku-2", "quantity": 1, "unit_price": "21.00"},
			},
		},
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return doc
}

func newInMemoryOrchestrator(t *testing.T, stock map[string]int) *checkout.Orchestrator {
	t.Helper()
	o, err := checkout.NewOrchestrator(checkout.Dependencies{
		Ledger:    checkout.NewMemoryLedger(time.Hour),
		Inventory: checkout.NewInMemoryInventory(stock),
		Payments:  checkout.NewInMemoryPaymentGateway(),
		Orders:    checkout.NewInMemoryOrderRepository(),
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

func TestCheckout_ConfirmedRoundTrip(t *testing.T) {
	t.Parallel()

	client := startServer(t, newInMemoryOrchestrator(t, map[string]int{"sku-1": 5, "sku-2": 5}))
	ctx := context.Background()

	resp, err := client.Checkout(ctx, checkoutDoc(t, "key-1", "pm_card"))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	fields := resp.GetFields()
	if fields["kind"].GetStringValue() != string(domain.ResultConfirmed) {
		t.Fatalf("expected confirmed, got %v", resp)
	}
	order := fields["order"].GetStructValue().GetFields()
	orderID := order["id"].GetStringValue()
	if orderID == "" || order["total"].GetStringValue() != "42" {
		t.Fatalf("unexpected order: %v", order)
	}

	replay, err := client.Checkout(ctx, checkoutDoc(t, "key-1", "pm_card"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := replay.GetFields()["order"].GetStructValue().GetFields()["id"].GetStringValue(); got != orderID {
		t.Fatalf("expected replay to return %s, got %s", orderID, got)
	}

	lookup, err := structpb.NewStruct(map[string]any{"order_id": orderID})
	if err != nil {
		t.Fatalf("build lookup: %v", err)
	}
	stored, err := client.GetOrder(ctx, lookup)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.GetFields()["status"].GetStringValue() != string(domain.OrderConfirmed) {
		t.Fatalf("unexpected stored order: %v", stored)
	}

	_, err = client.Checkout(ctx, checkoutDoc(t, "key-1", "pm_other"))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition for reused key, got %v", err)
	}
}

func TestCheckout_RejectedCarriesResultDetail(t *testing.T) {
	t.Parallel()

	client := startServer(t, newInMemoryOrchestrator(t, map[string]int{"sku-1": 1, "sku-2": 5}))

	_, err := client.Checkout(context.Background(), checkoutDoc(t, "key-1", "pm_card"))
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("expected result detail, got %v", details)
	}
	result, ok := details[0].(*structpb.Struct)
	if !ok {
		t.Fatalf("unexpected detail type %T", details[0])
	}
	if result.GetFields()["reason"].GetStringValue() != string(domain.ReasonInsufficientStock) {
		t.Fatalf("unexpected detail: %v", result)
	}
}

func TestCheckout_InvalidRequest(t *testing.T) {
	t.Parallel()

	client := startServer(t, newInMemoryOrchestrator(t, map[string]int{"sku-1": 5}))

	_, err := client.Checkout(context.Background(), checkoutDoc(t, "", "pm_card"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing key, got %v", err)
	}

	_, err = client.Checkout(context.Background(), checkoutDoc(t, "key-paypal", "paypal-123"))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown payment method, got %v", err)
	}

	bad, _ := structpb.NewStruct(map[string]any{
		"idempotency_key": "key-2",
		"payment_method":  "pm_card",
		"cart":            map[string]any{"currency": "USD", "items": []any{map[string]any{"sku": "sku-1", "quantity": 1.5, "unit_price": "1"}}},
	})
	_, err = client.Checkout(context.Background(), bad)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for fractional quantity, got %v", err)
	}

	_, err = client.GetOrder(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing order id, got %v", err)
	}
}

func TestCheckout_ResultCodes(t *testing.T) {
	tests := []struct {
		name   string
		result domain.Result
		want   codes.Code
	}{
		{"retryable failure", domain.Failed(domain.ReasonPaymentUnavailable, "", true), codes.Unavailable},
		{"reconciliation", domain.Failed(domain.ReasonPaymentOutcomeUnknown, "timeout", false), codes.Internal},
		{"declined", domain.Rejected(domain.ReasonPaymentDeclined, ""), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewCheckoutServer(&spyCheckoutService{result: tt.result})
			_, err := server.Checkout(context.Background(), checkoutDoc(t, "key-1", "pm_card"))
			if status.Code(err) != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{domain.ErrInvalidCart, codes.InvalidArgument},
		{domain.ErrIdempotencyConflict, codes.FailedPrecondition},
		{domain.ErrCheckoutInProgress, codes.Aborted},
		{fmt.Errorf("%w: redis down", domain.ErrLedgerUnavailable), codes.Unavailable},
		{domain.ErrLedgerConflict, codes.Internal},
		{domain.ErrOrderNotFound, codes.NotFound},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(mapCheckoutError(tt.err)); got != tt.want {
			t.Fatalf("%v: expected %v, got %v", tt.err, tt.want, got)
		}
	}
}

func TestCheckout_PassesDecodedRequest(t *testing.T) {
	spy := &spyCheckoutService{result: domain.Confirmed(domain.Order{ID: "ord-1"})}
	server := NewCheckoutServer(spy)

	if _, err := server.Checkout(context.Background(), checkoutDoc(t, "key-9", "tok_visa")); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if spy.got.IdempotencyKey != "key-9" || spy.got.PaymentMethod != "tok_visa" {
		t.Fatalf("unexpected request: %+v", spy.got)
	}
	if len(spy.got.Cart.Items) != 2 || spy.got.Cart.Items[0].Quantity != 2 || spy.got.Cart.Total().String() != "42" {
		t.Fatalf("unexpected cart: %+v", spy.got.Cart)
	}
}
