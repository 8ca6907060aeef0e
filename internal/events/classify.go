// Package events turns inbound storefront webhooks into canonical outbound
// events and publishes them with a bounded retry budget.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrUnsupportedWebhook = errors.New("unsupported webhook type")

type Source string

const (
	SourceShopify     Source = "shopify"
	SourceWoo         Source = "woocommerce"
	SourceBigCommerce Source = "bigcommerce"
	SourceUnsupported Source = "unsupported"
)

// Envelope is an inbound webhook as received: transport headers plus the
// untyped JSON body.
type Envelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body"`
}

type Classification struct {
	Source Source
	Topic  string
	Shop   string
}

// Classify resolves an envelope to exactly one source platform. Checks run in
// fixed priority order and the first match wins: Shopify header markers, Woo
// header markers, BigCommerce body shape. Anything else is unsupported.
func Classify(envelope Envelope) (Classification, error) {
	headers := lowercaseHeaders(envelope.Headers)

	if topic, ok := headers["x-shopify-topic"]; ok {
		if shop, ok := headers["x-shopify-shop-domain"]; ok {
			return Classification{Source: SourceShopify, Topic: topic, Shop: shop}, nil
		}
	}
	if source, ok := headers["x-wc-webhook-source"]; ok {
		if topic, ok := headers["x-wc-webhook-topic"]; ok {
			return Classification{Source: SourceWoo, Topic: topic, Shop: source}, nil
		}
	}
	if isBigCommerceBody(envelope.Body) {
		topic, _ := envelope.Body["scope"].(string)
		return Classification{Source: SourceBigCommerce, Topic: topic}, nil
	}
	if isSquarespaceWebhook(envelope) {
		// unreachable until squarespace ships product webhooks
		return Classification{}, fmt.Errorf("%w: squarespace", ErrUnsupportedWebhook)
	}
	return Classification{Source: SourceUnsupported}, fmt.Errorf("%w: %s", ErrUnsupportedWebhook, summarizeEnvelope(envelope))
}

func isBigCommerceBody(body map[string]any) bool {
	if body == nil {
		return false
	}
	for _, key := range []string{"producer", "scope", "hash", "store_id"} {
		if _, ok := body[key]; !ok {
			return false
		}
	}
	return true
}

// Squarespace product webhooks don't exist yet.
func isSquarespaceWebhook(Envelope) bool {
	return false
}

func lowercaseHeaders(headers map[string]string) map[string]string {
	result := make(map[string]string, len(headers))
	for key, value := range headers {
		result[strings.ToLower(strings.TrimSpace(key))] = value
	}
	return result
}

func summarizeEnvelope(envelope Envelope) string {
	data, err := json.Marshal(envelope)
	if err != nil {
		return "unserializable envelope"
	}
	const limit = 512
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}

// CanonicalEvent is the normalized outbound form submitted to the event bus.
type CanonicalEvent struct {
	ID         string          `json:"id"`
	Source     Source          `json:"source"`
	DetailType string          `json:"detailType"`
	Shop       string          `json:"shop,omitempty"`
	Detail     json.RawMessage `json:"detail"`
	Time       string          `json:"time"`
}

// MapToCanonical builds the outbound event for a classified envelope.
func MapToCanonical(classification Classification, envelope Envelope, now time.Time) (CanonicalEvent, error) {
	if classification.Source == SourceUnsupported || classification.Source == "" {
		return CanonicalEvent{}, ErrUnsupportedWebhook
	}
	detail, err := json.Marshal(envelope.Body)
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("encode webhook body: %w", err)
	}
	detailType := classification.Topic
	if detailType == "" {
		detailType = string(classification.Source) + ".webhook"
	}
	return CanonicalEvent{
		ID:         uuid.NewString(),
		Source:     classification.Source,
		DetailType: detailType,
		Shop:       classification.Shop,
		Detail:     detail,
		Time:       now.UTC().Format(time.RFC3339),
	}, nil
}
