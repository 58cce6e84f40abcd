package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/rl1809/grocery-checkout/internal/core/domain"
	"github.com/rl1809/grocery-checkout/internal/core/service"
	"github.com/rl1809/grocery-checkout/internal/port"
)

const (
	requestTimeout       = 15 * time.Second
	idempotencyKeyHeader = "Idempotency-Key"
)

type HTTPHandler struct {
	catalog  *service.CatalogService
	cart     *service.CartService
	checkout *service.CheckoutService
	orders   *service.OrderService
}

func NewHTTPHandler(catalog *service.CatalogService, cart *service.CartService, checkout *service.CheckoutService, orders *service.OrderService) *HTTPHandler {
	return &HTTPHandler{catalog: catalog, cart: cart, checkout: checkout, orders: orders}
}

type ProductResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Price    string `json:"price"`
	Stock    int    `json:"stock"`
}

type CartItemResponse struct {
	LineID    int64            `json:"line_id"`
	ProductID int64            `json:"product_id"`
	Quantity  int              `json:"quantity"`
	Product   *ProductResponse `json:"product,omitempty"`
	Subtotal  string           `json:"subtotal"`
}

type CartResponse struct {
	CustomerID int64              `json:"customer_id"`
	Items      []CartItemResponse `json:"items"`
	Total      string             `json:"total"`
}

type OrderLineResponse struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
	Subtotal  string `json:"subtotal"`
}

type OrderResponse struct {
	ID          string              `json:"id"`
	CustomerID  int64               `json:"customer_id"`
	Status      string              `json:"status"`
	TotalAmount string              `json:"total_amount"`
	CreatedAt   time.Time           `json:"created_at"`
	Lines       []OrderLineResponse `json:"lines"`
}

type AddItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type SetQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type SetPriceRequest struct {
	Price string `json:"price"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes builds the router. metrics is mounted at /metrics when not nil.
func (h *HTTPHandler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", h.HealthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.listProducts)
		r.Get("/products/{productID}", h.getProduct)
		r.Put("/products/{productID}/price", h.setPrice)

		r.Route("/customers/{customerID}", func(r chi.Router) {
			r.Get("/cart", h.viewCart)
			r.Delete("/cart", h.clearCart)
			r.Post("/cart/items", h.addItem)
			r.Post("/checkout", h.Checkout)
			r.Get("/orders", h.customerOrders)
			r.Get("/activity", h.activity)
			r.Delete("/activity", h.clearActivity)
		})

		r.Put("/cart/items/{lineID}", h.setQuantity)
		r.Delete("/cart/items/{lineID}", h.removeItem)

		r.Get("/orders", h.allOrders)
		r.Get("/orders/{orderID}", h.getOrder)
	})
	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.Products(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ProductResponse, len(products))
	for i, p := range products {
		out[i] = toProductResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	p, err := h.catalog.Product(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

func (h *HTTPHandler) setPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid price"})
		return
	}
	p, err := h.catalog.SetPrice(r.Context(), id, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

func (h *HTTPHandler) viewCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	view, err := h.cart.View(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := CartResponse{CustomerID: customerID, Items: make([]CartItemResponse, len(view.Items)), Total: view.Total.StringFixed(2)}
	for i, it := range view.Items {
		item := CartItemResponse{
			LineID:    it.Line.ID,
			ProductID: it.Line.ProductID,
			Quantity:  it.Line.Quantity,
			Subtotal:  it.Subtotal.StringFixed(2),
		}
		if it.Product != nil {
			p := toProductResponse(*it.Product)
			item.Product = &p
		}
		resp.Items[i] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	if err := h.cart.Clear(r.Context(), customerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) addItem(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.ProductID == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing product_id"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	line, err := h.cart.Add(r.Context(), customerID, req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CartItemResponse{
		LineID:    line.ID,
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
	})
}

func (h *HTTPHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req SetQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.cart.SetQuantity(r.Context(), lineID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	if err := h.cart.Remove(r.Context(), lineID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	order, err := h.checkout.CheckoutOnce(r.Context(), customerID, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(*order))
}

func (h *HTTPHandler) customerOrders(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	orders, err := h.orders.History(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

func (h *HTTPHandler) allOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(orders))
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

func (h *HTTPHandler) activity(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.orders.Activity(r.Context(), customerID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []port.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *HTTPHandler) clearActivity(w http.ResponseWriter, r *http.Request) {
	customerID, ok := pathID(w, r, "customerID")
	if !ok {
		return
	}
	if err := h.orders.ClearActivity(r.Context(), customerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}

func toProductResponse(p domain.Product) ProductResponse {
	return ProductResponse{
		ID:       p.ID,
		Name:     p.Name,
		Category: string(p.Category),
		Price:    p.Price.StringFixed(2),
		Stock:    p.Stock,
	}
}

func toOrderResponse(o domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount.StringFixed(2),
		CreatedAt:   o.CreatedAt,
		Lines:       make([]OrderLineResponse, len(o.Lines)),
	}
	for i, l := range o.Lines {
		resp.Lines[i] = OrderLineResponse{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Price:     l.Price.StringFixed(2),
			Subtotal:  l.Subtotal().StringFixed(2),
		}
	}
	return resp
}

func toOrderResponses(orders []domain.Order) []OrderResponse {
	out := make([]OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = toOrderResponse(o)
	}
	return out
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	// checked first: a persistence error may carry release failures of any kind
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrDuplicateProduct),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, service.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrCartLineNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
