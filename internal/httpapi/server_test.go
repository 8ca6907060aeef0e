package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tradewindlabs/supplysync/internal/events"
	"github.com/tradewindlabs/supplysync/internal/productcache"
	"github.com/tradewindlabs/supplysync/internal/suppliers"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *productcache.Store, *events.MemoryBus) {
	t.Helper()
	store := productcache.NewStore()
	directory := suppliers.NewStaticDirectory()
	directory.Add(
		suppliers.Supplier{ID: "sup-1", SupplierCode: "acme", Platform: productcache.PlatformEDI},
		&suppliers.Auth{EDI: &suppliers.EDIAuth{CatalogDir: "/tmp/acme"}},
	)
	directory.Add(
		suppliers.Supplier{ID: "sup-2", SupplierCode: "globex", Platform: productcache.PlatformShopify, IsIntegrationUnhealthy: true},
		&suppliers.Auth{},
	)
	bus := events.NewMemoryBus()
	server := NewServerWithConfig(store, directory, events.NewDispatcher(bus), nil, cfg)
	return server, store, bus
}

func doJSON(t *testing.T, server *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, request)
	payload := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response failed: %v (%s)", err, recorder.Body.String())
		}
	}
	return recorder, payload
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{})
	recorder, payload := doJSON(t, server, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", recorder.Code, payload)
	}
}

func TestBearerAuth(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{APIToken: "secret"})

	recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/suppliers/acme/products", nil)
	request.Header.Set("Authorization", "Bearer secret")
	authed := httptest.NewRecorder()
	server.ServeHTTP(authed, request)
	if authed.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authed.Code)
	}

	recorder, _ = doJSON(t, server, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", recorder.Code)
	}
}

func TestWebhookDispatch(t *testing.T) {
	server, _, bus := newTestServer(t, ServerConfig{})
	body := `{"headers":{"x-shopify-topic":"products/update","x-shopify-shop-domain":"acme.myshopify.com"},"body":{"id":42}}`
	recorder, payload := doJSON(t, server, http.MethodPost, "/v1/webhooks", body)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", recorder.Code, payload)
	}
	if payload["status"] != "dispatched" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if entries := bus.Entries(); len(entries) != 1 || entries[0].Source != events.SourceShopify {
		t.Fatalf("expected published event, got %+v", entries)
	}
}

func TestWebhookUnsupported(t *testing.T) {
	server, _, bus := newTestServer(t, ServerConfig{})
	recorder, payload := doJSON(t, server, http.MethodPost, "/v1/webhooks", `{"body":{"id":42}}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %v", recorder.Code, payload)
	}
	if len(bus.Entries()) != 0 {
		t.Fatalf("unsupported webhook must not publish")
	}
}

func TestWebhookRejectsBadBody(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{})
	if recorder, _ := doJSON(t, server, http.MethodPost, "/v1/webhooks", "not json"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodPost, "/v1/webhooks", `{"headers":{}}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", recorder.Code)
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	oversized := `{"body":{"padding":"` + strings.Repeat("x", 128) + `"}}`
	recorder, _ := doJSON(t, server, http.MethodPost, "/v1/webhooks", oversized)
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{WebhooksPerSecond: 0.001, WebhookBurst: 1})
	body := `{"headers":{"x-shopify-topic":"products/update","x-shopify-shop-domain":"acme.myshopify.com"},"body":{"id":42}}`
	if recorder, _ := doJSON(t, server, http.MethodPost, "/v1/webhooks", body); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected first webhook accepted, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodPost, "/v1/webhooks", body); recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", recorder.Code)
	}
}

func seedCatalog(t *testing.T, store *productcache.Store) {
	t.Helper()
	err := store.ReplaceCatalog("acme", []productcache.RawSupplierRecord{
		{HashKey: "hk-1", QueryKey: "blue-widget", Platform: productcache.PlatformEDI, Data: json.RawMessage(`{"handle":"blue-widget","variants":[{"id":"v1","sku":"BW-S"}]}`)},
		{HashKey: "hk-2", QueryKey: "red-widget", Platform: productcache.PlatformEDI, Data: json.RawMessage(`{"handle":"red-widget","variants":[{"id":"v2","sku":"RW-S"}]}`)},
		{HashKey: "hk-3", QueryKey: "gone-widget", Platform: productcache.PlatformEDI, Deleted: true, Data: json.RawMessage(`{"handle":"gone-widget"}`)},
	})
	if err != nil {
		t.Fatalf("seed catalog failed: %v", err)
	}
}

func TestListProducts(t *testing.T) {
	server, store, _ := newTestServer(t, ServerConfig{})
	seedCatalog(t, store)

	recorder, payload := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products?page_size=2", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", recorder.Code, payload)
	}
	products, ok := payload["products"].([]any)
	if !ok || len(products) != 2 {
		t.Fatalf("expected 2 products, got %v", payload["products"])
	}
	if payload["has_next_page"] != true || payload["next_cursor"] == nil {
		t.Fatalf("expected a next page, got %v", payload)
	}

	cursor := payload["next_cursor"].(string)
	recorder, payload = doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products?page_size=2&cursor="+cursor, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if rest := payload["products"].([]any); len(rest) != 1 {
		t.Fatalf("expected final page of 1, got %v", payload["products"])
	}
	if payload["has_next_page"] != false {
		t.Fatalf("expected no further pages, got %v", payload)
	}

	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products?page_size=zero", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page_size, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/nobody/products", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown supplier, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/globex/products", ""); recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unhealthy supplier, got %d", recorder.Code)
	}
}

func TestGetProductAndVariant(t *testing.T) {
	server, store, _ := newTestServer(t, ServerConfig{})
	seedCatalog(t, store)

	recorder, payload := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products/hk-1", "")
	if recorder.Code != http.StatusOK || payload["handle"] != "blue-widget" {
		t.Fatalf("unexpected product response %d %v", recorder.Code, payload)
	}

	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products/hk-3", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for tombstoned product, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products/missing", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing product, got %d", recorder.Code)
	}

	recorder, payload = doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products/hk-1/variants/v1", "")
	if recorder.Code != http.StatusOK || payload["sku"] != "BW-S" {
		t.Fatalf("unexpected variant response %d %v", recorder.Code, payload)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/suppliers/acme/products/hk-1/variants/nope", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing variant, got %d", recorder.Code)
	}
}

func TestFindVariantPlatformListKeys(t *testing.T) {
	woo := json.RawMessage(`{"variations":[{"id":7,"sku":"W-7"}]}`)
	variant, found := findVariant(productcache.PlatformWoo, woo, "7")
	if !found {
		t.Fatalf("expected woo variant by variations key")
	}
	if variant.(map[string]any)["sku"] != "W-7" {
		t.Fatalf("unexpected variant %+v", variant)
	}

	shopify := json.RawMessage(`{"variants":[{"id":9000000001,"sku":"S-1"}]}`)
	if _, found := findVariant(productcache.PlatformShopify, shopify, "9000000001"); !found {
		t.Fatalf("expected shopify variant by numeric id")
	}
}

func TestCacheRecordAndAuditEndpoints(t *testing.T) {
	server, store, _ := newTestServer(t, ServerConfig{})
	if _, err := store.UpsertProduct(productcache.CacheRecord{
		ProductID:  "p1",
		SupplierID: "sup-1",
		Platform:   productcache.PlatformShopify,
		UpdatedAt:  "2024-01-01T00:00:00Z",
		Data:       json.RawMessage(`{"title":"widget"}`),
	}, &productcache.AuditDetails{Action: productcache.AuditActionCreate, Actor: productcache.AuditActorIntegration}); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}

	recorder, payload := doJSON(t, server, http.MethodGet, "/v1/products/p1/suppliers/sup-1", "")
	if recorder.Code != http.StatusOK || payload["productId"] != "p1" {
		t.Fatalf("unexpected cache record response %d %v", recorder.Code, payload)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/products/missing/suppliers/sup-1", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", recorder.Code)
	}

	recorder, payload = doJSON(t, server, http.MethodGet, "/v1/products/p1/suppliers/sup-1/audit", "")
	if recorder.Code != http.StatusOK || payload["hashKey"] != "p1-sup-1" {
		t.Fatalf("unexpected audit response %d %v", recorder.Code, payload)
	}
	entries, ok := payload["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %v", payload["entries"])
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{})
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/nope", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if recorder, _ := doJSON(t, server, http.MethodGet, "/v1/events/stream", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when event stream is not wired, got %d", recorder.Code)
	}
}
