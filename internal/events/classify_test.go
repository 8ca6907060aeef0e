package events

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyShopify(t *testing.T) {
	classification, err := Classify(Envelope{
		Headers: map[string]string{
			"X-Shopify-Topic":       "products/update",
			"X-Shopify-Shop-Domain": "acme.myshopify.com",
		},
		Body: map[string]any{"id": 1},
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if classification.Source != SourceShopify || classification.Topic != "products/update" || classification.Shop != "acme.myshopify.com" {
		t.Fatalf("unexpected classification %+v", classification)
	}
}

func TestClassifyWoo(t *testing.T) {
	classification, err := Classify(Envelope{
		Headers: map[string]string{
			"x-wc-webhook-source": "https://shop.example.com",
			"x-wc-webhook-topic":  "product.updated",
		},
		Body: map[string]any{"id": 1},
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if classification.Source != SourceWoo || classification.Shop != "https://shop.example.com" {
		t.Fatalf("unexpected classification %+v", classification)
	}
}

func TestClassifyBigCommerceByBodyShape(t *testing.T) {
	classification, err := Classify(Envelope{
		Body: map[string]any{
			"producer": "stores/abc123",
			"scope":    "store/product/updated",
			"hash":     "deadbeef",
			"store_id": "1001",
		},
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if classification.Source != SourceBigCommerce || classification.Topic != "store/product/updated" {
		t.Fatalf("unexpected classification %+v", classification)
	}
}

func TestClassifyShopifyWinsOverBigCommerceBody(t *testing.T) {
	classification, err := Classify(Envelope{
		Headers: map[string]string{
			"x-shopify-topic":       "products/delete",
			"x-shopify-shop-domain": "acme.myshopify.com",
		},
		Body: map[string]any{
			"producer": "stores/abc123",
			"scope":    "store/product/updated",
			"hash":     "deadbeef",
			"store_id": "1001",
		},
	})
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if classification.Source != SourceShopify {
		t.Fatalf("expected header markers to win, got %+v", classification)
	}
}

func TestClassifyUnsupported(t *testing.T) {
	cases := map[string]Envelope{
		"no markers":              {Body: map[string]any{"id": 1}},
		"partial shopify headers": {Headers: map[string]string{"x-shopify-topic": "products/update"}, Body: map[string]any{"id": 1}},
		"partial bigcommerce":     {Body: map[string]any{"producer": "stores/abc123", "scope": "store/product/updated"}},
		"empty":                   {},
	}
	for name, envelope := range cases {
		classification, err := Classify(envelope)
		if !errors.Is(err, ErrUnsupportedWebhook) {
			t.Fatalf("%s: expected unsupported, got %+v err=%v", name, classification, err)
		}
		if classification.Source != SourceUnsupported && classification.Source != "" {
			t.Fatalf("%s: unexpected source %s", name, classification.Source)
		}
	}
}

func TestMapToCanonical(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	envelope := Envelope{Body: map[string]any{"id": float64(42)}}

	event, err := MapToCanonical(Classification{Source: SourceShopify, Topic: "products/update", Shop: "acme.myshopify.com"}, envelope, now)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if event.ID == "" {
		t.Fatalf("expected generated event id")
	}
	if event.DetailType != "products/update" || event.Shop != "acme.myshopify.com" || event.Time != "2024-04-01T12:00:00Z" {
		t.Fatalf("unexpected event %+v", event)
	}
	if string(event.Detail) != `{"id":42}` {
		t.Fatalf("unexpected detail %s", event.Detail)
	}

	fallback, err := MapToCanonical(Classification{Source: SourceBigCommerce}, envelope, now)
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if fallback.DetailType != "bigcommerce.webhook" {
		t.Fatalf("expected fallback detail type, got %s", fallback.DetailType)
	}

	if _, err := MapToCanonical(Classification{Source: SourceUnsupported}, envelope, now); !errors.Is(err, ErrUnsupportedWebhook) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
