package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/core/service"
)

// The checkout service speaks JSON over gRPC: messages are plain Go structs
// and clients select the codec with grpc.CallContentSubtype(JSONCodecName).
const (
	JSONCodecName = "json"

	checkoutServiceName = "grocery.v1.CheckoutService"
	checkoutMethod      = "/" + checkoutServiceName + "/Checkout"
	getOrderMethod      = "/" + checkoutServiceName + "/GetOrder"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type CheckoutRequest struct {
	CustomerID int64  `json:"customer_id"`
	RequestID  string `json:"request_id,omitempty"`
}

type CheckoutResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Order   *OrderResponse `json:"order,omitempty"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type CheckoutServer interface {
	Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error)
	GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderResponse, error)
}

var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: checkoutServiceName,
	HandlerType: (*CheckoutServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Checkout", Handler: checkoutHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterCheckoutServer(s grpc.ServiceRegistrar, srv CheckoutServer) {
	s.RegisterService(&CheckoutServiceDesc, srv)
}

func checkoutHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckoutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServer).Checkout(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkoutMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServer).Checkout(ctx, req.(*CheckoutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckoutServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CheckoutServer).GetOrder(ctx, req.(*GetOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	checkout *service.CheckoutService
	orders   *service.OrderService
}

func NewGRPCHandler(checkout *service.CheckoutService, orders *service.OrderService) *GRPCHandler {
	return &GRPCHandler{checkout: checkout, orders: orders}
}

func (h *GRPCHandler) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req.CustomerID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}

	order, err := h.checkout.CheckoutOnce(ctx, req.CustomerID, req.RequestID)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateRequest) {
			return &CheckoutResponse{
				Success: false,
				Message: "duplicate request",
			}, nil
		}
		if errors.Is(err, domain.ErrInsufficientStock) {
			return &CheckoutResponse{
				Success: false,
				Message: err.Error(),
			}, nil
		}
		if errors.Is(err, domain.ErrEmptyCart) {
			return &CheckoutResponse{
				Success: false,
				Message: "cart is empty",
			}, nil
		}
		return nil, grpcError(err)
	}

	resp := toOrderResponse(*order)
	return &CheckoutResponse{
		Success: true,
		Message: "order placed successfully",
		Order:   &resp,
	}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderResponse, error) {
	if req.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	order, err := h.orders.Order(ctx, req.OrderID)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := toOrderResponse(*order)
	return &resp, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrPersistence), errors.Is(err, domain.ErrBusy):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrDuplicateProduct),
		errors.Is(err, domain.ErrInvalidPrice):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// CheckoutClient calls CheckoutService over an existing connection.
type CheckoutClient struct {
	cc grpc.ClientConnInterface
}

func NewCheckoutClient(cc grpc.ClientConnInterface) *CheckoutClient {
	return &CheckoutClient{cc: cc}
}

func (c *CheckoutClient) Checkout(ctx context.Context, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	out := new(CheckoutResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, checkoutMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getOrderMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
