package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
)

func newGRPCClient(t *testing.T, app *testApp) *CheckoutClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterCheckoutServer(srv, NewGRPCHandler(app.checkout, app.orders))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewCheckoutClient(conn)
}

func TestGRPC_CheckoutAndGetOrder(t *testing.T) {
	app := newTestApp(t)
	client := newGRPCClient(t, app)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	app.do(t, "POST", "/api/customers/3/cart/items", AddItemRequest{ProductID: 2, Quantity: 4}, nil)

	resp, err := client.Checkout(ctx, &CheckoutRequest{CustomerID: 3, RequestID: "r-1"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !resp.Success || resp.Order == nil {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.Order.TotalAmount != "5.00" {
		t.Errorf("expected total 5.00, got %s", resp.Order.TotalAmount)
	}

	got, err := client.GetOrder(ctx, &GetOrderRequest{OrderID: resp.Order.ID})
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CustomerID != 3 || len(got.Lines) != 1 || got.Lines[0].Quantity != 4 {
		t.Errorf("unexpected order: %+v", got)
	}

	dup, err := client.Checkout(ctx, &CheckoutRequest{CustomerID: 3, RequestID: "r-1"})
	if err != nil {
		t.Fatalf("duplicate checkout: %v", err)
	}
	if dup.Success {
		t.Error("expected duplicate request to be rejected")
	}
}

func TestGRPC_BusinessFailuresAreNotErrors(t *testing.T) {
	app := newTestApp(t)
	client := newGRPCClient(t, app)
	ctx := context.Background()

	resp, err := client.Checkout(ctx, &CheckoutRequest{CustomerID: 4})
	if err != nil {
		t.Fatalf("empty cart: %v", err)
	}
	if resp.Success || resp.Message != "cart is empty" {
		t.Errorf("unexpected empty cart response: %+v", resp)
	}

	app.do(t, "POST", "/api/customers/4/cart/items", AddItemRequest{ProductID: 1, Quantity: 6}, nil)
	resp, err = client.Checkout(ctx, &CheckoutRequest{CustomerID: 4})
	if err != nil {
		t.Fatalf("insufficient stock: %v", err)
	}
	if resp.Success {
		t.Error("expected insufficient stock to fail")
	}

	p, _ := app.catalog.Get(ctx, 1)
	if p.Stock != 5 {
		t.Errorf("stock changed on failed checkout: %d", p.Stock)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	app := newTestApp(t)
	client := newGRPCClient(t, app)
	ctx := context.Background()

	_, err := client.Checkout(ctx, &CheckoutRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}

	_, err = client.GetOrder(ctx, &GetOrderRequest{OrderID: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}

	if code := status.Code(grpcError(domain.ErrBusy)); code != codes.Unavailable {
		t.Errorf("expected Unavailable for busy, got %v", code)
	}
}
