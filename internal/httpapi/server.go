// Package httpapi exposes the product cache and webhook intake over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradewindlabs/supplysync/internal/events"
	"github.com/tradewindlabs/supplysync/internal/productcache"
	"github.com/tradewindlabs/supplysync/internal/suppliers"
)

type ServerConfig struct {
	APIToken          string
	WebhooksPerSecond float64
	WebhookBurst      int
	MaxBodyBytes      int64
}

type Server struct {
	store       *productcache.Store
	directory   suppliers.Directory
	dispatcher  *events.Dispatcher
	eventStream http.Handler
	cfg         ServerConfig
	limiter     *clientRateLimiter
}

func NewServer(store *productcache.Store, directory suppliers.Directory, dispatcher *events.Dispatcher) *Server {
	return NewServerWithConfig(store, directory, dispatcher, nil, ServerConfig{})
}

func NewServerWithConfig(store *productcache.Store, directory suppliers.Directory, dispatcher *events.Dispatcher, eventStream http.Handler, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:       store,
		directory:   directory,
		dispatcher:  dispatcher,
		eventStream: eventStream,
		cfg:         cfg,
		limiter:     newClientRateLimiter(cfg.WebhooksPerSecond, cfg.WebhookBurst),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	if r.URL.Path == "/v1/webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet {
		if s.eventStream == nil {
			writeError(w, http.StatusNotFound, "not_found", "event stream not enabled")
			return
		}
		s.eventStream.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "suppliers" && parts[3] == "products" && r.Method == http.MethodGet {
		switch len(parts) {
		case 4:
			s.handleListProducts(w, r, parts[2])
			return
		case 5:
			s.handleGetProduct(w, parts[2], parts[4])
			return
		case 7:
			if parts[5] == "variants" {
				s.handleGetVariant(w, parts[2], parts[4], parts[6])
				return
			}
		}
	}
	if len(parts) == 6 && parts[0] == "v1" && parts[1] == "products" && parts[3] == "suppliers" && parts[5] == "audit" && r.Method == http.MethodGet {
		s.handleAudit(w, parts[2], parts[4])
		return
	}
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "products" && parts[3] == "suppliers" && r.Method == http.MethodGet {
		s.handleGetCacheRecord(w, parts[2], parts[4])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

type webhookRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "webhook intake rate limit exceeded")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "cannot read request body")
		return
	}
	if int64(len(data)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return
	}
	var req webhookRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Body == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "expected a json envelope with a body object")
		return
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
		for name := range r.Header {
			req.Headers[name] = r.Header.Get(name)
		}
	}

	event, err := s.dispatcher.DispatchWebhook(r.Context(), events.Envelope{Headers: req.Headers, Body: req.Body})
	if errors.Is(err, events.ErrUnsupportedWebhook) {
		writeError(w, http.StatusUnprocessableEntity, "unsupported_webhook", err.Error())
		return
	}
	if errors.Is(err, events.ErrDispatchExhausted) {
		writeError(w, http.StatusBadGateway, "dispatch_exhausted", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "dispatched", "event": event})
}

type productsResponse struct {
	Products    []json.RawMessage `json:"products"`
	HasNextPage bool              `json:"has_next_page"`
	NextCursor  *string           `json:"next_cursor"`
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request, supplierCode string) {
	supplier, ok := s.assertServable(w, supplierCode)
	if !ok {
		return
	}
	query := productcache.RawQuery{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			writeError(w, http.StatusBadRequest, "invalid_page_size", "page_size must be a positive integer")
			return
		}
		query.PageSize = size
	}
	if raw := r.URL.Query().Get("ids"); raw != "" {
		query.IDs = strings.Split(raw, ",")
	}
	page := s.store.ScanRawProducts(supplier.SupplierCode, query)
	response := productsResponse{
		Products:    []json.RawMessage{},
		HasNextPage: page.NextCursor != nil,
		NextCursor:  page.NextCursor,
	}
	for _, item := range page.Items {
		response.Products = append(response.Products, item.Data)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, supplierCode, productID string) {
	supplier, ok := s.assertServable(w, supplierCode)
	if !ok {
		return
	}
	record, err := s.store.GetRawProduct(supplier.SupplierCode, productID)
	if errors.Is(err, productcache.ErrNotFound) || (err == nil && record.Deleted) {
		writeError(w, http.StatusNotFound, "resource_not_found", "product not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record.Data)
}

func (s *Server) handleGetVariant(w http.ResponseWriter, supplierCode, productID, variantID string) {
	supplier, ok := s.assertServable(w, supplierCode)
	if !ok {
		return
	}
	record, err := s.store.GetRawProduct(supplier.SupplierCode, productID)
	if errors.Is(err, productcache.ErrNotFound) || (err == nil && record.Deleted) {
		writeError(w, http.StatusNotFound, "resource_not_found", "product not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	variant, found := findVariant(record.Platform, record.Data, variantID)
	if !found {
		writeError(w, http.StatusNotFound, "resource_not_found", "variant not found")
		return
	}
	writeJSON(w, http.StatusOK, variant)
}

// findVariant digs the requested variant out of the platform payload. Each
// platform names its variant list differently; ids are compared as strings
// since payloads carry both numeric and string ids.
func findVariant(platform productcache.Platform, data json.RawMessage, variantID string) (any, bool) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	listKey := "variants"
	if platform == productcache.PlatformWoo {
		listKey = "variations"
	}
	list, ok := payload[listKey].([]any)
	if !ok {
		return nil, false
	}
	for _, entry := range list {
		variant, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if variantIDString(variant["id"]) == variantID {
			return variant, true
		}
	}
	return nil, false
}

func variantIDString(id any) string {
	switch value := id.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}

func (s *Server) handleGetCacheRecord(w http.ResponseWriter, productID, supplierID string) {
	record, err := s.store.GetProduct(productcache.ProductKey{ProductID: productID, SupplierID: supplierID})
	if errors.Is(err, productcache.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource_not_found", "product not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAudit(w http.ResponseWriter, productID, supplierID string) {
	hashKey := productcache.ProductKey{ProductID: productID, SupplierID: supplierID}.HashKey()
	entries := s.store.AuditByKey(hashKey)
	writeJSON(w, http.StatusOK, map[string]any{"hashKey": hashKey, "entries": entries})
}

func (s *Server) assertServable(w http.ResponseWriter, supplierCode string) (suppliers.Supplier, bool) {
	supplier, err := suppliers.AssertServable(s.directory, supplierCode)
	if errors.Is(err, suppliers.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource_not_found", "supplier not found")
		return suppliers.Supplier{}, false
	}
	if errors.Is(err, suppliers.ErrAuthMissing) {
		writeError(w, http.StatusNotFound, "resource_not_found", "supplier auth not found")
		return suppliers.Supplier{}, false
	}
	if errors.Is(err, suppliers.ErrUnhealthy) {
		writeError(w, http.StatusInternalServerError, "server_error", "supplier integration is not healthy")
		return suppliers.Supplier{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return suppliers.Supplier{}, false
	}
	return supplier, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
