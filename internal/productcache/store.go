package productcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const DefaultAuditTTL = 30 * 24 * time.Hour

type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWoo         Platform = "woocommerce"
	PlatformBigCommerce Platform = "bigcommerce"
	PlatformSquarespace Platform = "squarespace"
	PlatformEDI         Platform = "edi"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeStale   Outcome = "stale"
)

type ProductHashes struct {
	GeneralHash string `json:"generalHash"`
	StatusHash  string `json:"statusHash"`
}

type CacheRecord struct {
	ProductID       string            `json:"productId"`
	SupplierID      string            `json:"supplierId"`
	Platform        Platform          `json:"platform"`
	Deleted         bool              `json:"deleted"`
	QueryKey        string            `json:"queryKey,omitempty"`
	UpdatedAt       string            `json:"updatedAt"`
	ProductHashes   ProductHashes     `json:"productHashes"`
	VariantHashes   map[string]string `json:"variantHashes,omitempty"`
	VariantListHash string            `json:"variantListHash,omitempty"`
	Data            json.RawMessage   `json:"data,omitempty"`
}

type ProductKey struct {
	ProductID  string
	SupplierID string
}

func (k ProductKey) HashKey() string {
	return k.ProductID + "-" + k.SupplierID
}

type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
)

type AuditActor string

const (
	AuditActorIntegration  AuditActor = "platform-integration"
	AuditActorInternalSync AuditActor = "internal-sync"
)

type AuditDetails struct {
	Action AuditAction
	Actor  AuditActor
}

type AuditRecord struct {
	HashKey   string          `json:"hashKey"`
	Timestamp string          `json:"timestamp"`
	Action    AuditAction     `json:"action"`
	Actor     AuditActor      `json:"actor"`
	Platform  Platform        `json:"platform,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

type RawSupplierRecord struct {
	HashKey  string          `json:"hashKey"`
	QueryKey string          `json:"queryKey"`
	Platform Platform        `json:"platform"`
	Deleted  bool            `json:"deleted"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type SyncCursor struct {
	SupplierID          string `json:"supplierId"`
	LatestSyncTimestamp string `json:"latestSyncTimestamp"`
}

// RawRecordHashKey derives the raw catalog key from the record handle and the
// supplier code, so reprocessing the same feed row always lands on the same key.
func RawRecordHashKey(handle, supplierCode string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(handle))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(supplierCode))
	return fmt.Sprintf("%016x", h.Sum64())
}

type StoreOptions struct {
	StateBackend StateBackend
	AuditTTL     time.Duration
	Clock        func() time.Time
}

type Store struct {
	mu           sync.RWMutex
	products     map[string]CacheRecord
	audits       map[string][]AuditRecord
	cursors      map[string]SyncCursor
	catalogs     map[string]map[string]RawSupplierRecord
	stateBackend StateBackend
	auditTTL     time.Duration
	now          func() time.Time
}

type persistedState struct {
	Products map[string]CacheRecord                  `json:"products"`
	Audits   map[string][]AuditRecord                `json:"audits"`
	Cursors  map[string]SyncCursor                   `json:"cursors"`
	Catalogs map[string]map[string]RawSupplierRecord `json:"catalogs"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	s := &Store{
		products:     map[string]CacheRecord{},
		audits:       map[string][]AuditRecord{},
		cursors:      map[string]SyncCursor{},
		catalogs:     map[string]map[string]RawSupplierRecord{},
		stateBackend: opts.StateBackend,
		auditTTL:     opts.AuditTTL,
		now:          opts.Clock,
	}
	if s.auditTTL <= 0 {
		s.auditTTL = DefaultAuditTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// UpsertProduct applies the record iff no record exists for its key or the stored
// updatedAt is older than the record's. A stale write is not an error: the caller
// gets OutcomeStale and the stored record is untouched. Any backend failure
// propagates. When audit is non-nil an audit entry is appended for accepted
// writes only; audit failures are logged and never surface.
func (s *Store) UpsertProduct(record CacheRecord, audit *AuditDetails) (Outcome, error) {
	if strings.TrimSpace(record.ProductID) == "" || strings.TrimSpace(record.SupplierID) == "" {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(record.UpdatedAt) == "" {
		record.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	}
	key := ProductKey{ProductID: record.ProductID, SupplierID: record.SupplierID}

	s.mu.Lock()
	existing, exists := s.products[key.HashKey()]
	if exists && !timestampAfter(record.UpdatedAt, existing.UpdatedAt) {
		s.mu.Unlock()
		observeCacheWrite(string(OutcomeStale))
		return OutcomeStale, nil
	}
	s.products[key.HashKey()] = record
	err := s.persistLocked()
	if err != nil {
		if exists {
			s.products[key.HashKey()] = existing
		} else {
			delete(s.products, key.HashKey())
		}
		s.mu.Unlock()
		return "", fmt.Errorf("persist product %s: %w", key.HashKey(), err)
	}
	s.mu.Unlock()

	observeCacheWrite(string(OutcomeApplied))
	if audit != nil {
		s.appendAudit(record, *audit)
	}
	return OutcomeApplied, nil
}

// DeleteProduct tombstones the record unconditionally. Unlike UpsertProduct it
// performs no updatedAt comparison, so a delete can land over a newer concurrent
// create. Known gap: deletes should probably ride the same conditional path.
func (s *Store) DeleteProduct(key ProductKey, audit *AuditDetails) error {
	if strings.TrimSpace(key.ProductID) == "" || strings.TrimSpace(key.SupplierID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	record, ok := s.products[key.HashKey()]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	previous := record
	record.Deleted = true
	s.products[key.HashKey()] = record
	if err := s.persistLocked(); err != nil {
		s.products[key.HashKey()] = previous
		s.mu.Unlock()
		return fmt.Errorf("persist delete %s: %w", key.HashKey(), err)
	}
	s.mu.Unlock()

	observeCacheWrite("delete")
	if audit != nil {
		s.appendAudit(record, *audit)
	}
	return nil
}

func (s *Store) GetProduct(key ProductKey) (CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.products[key.HashKey()]
	if !ok {
		return CacheRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *Store) ScanProducts(supplierID string) []CacheRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []CacheRecord{}
	for _, record := range s.products {
		if record.SupplierID == supplierID {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ProductID < result[j].ProductID
	})
	return result
}

func (s *Store) appendAudit(record CacheRecord, details AuditDetails) {
	entry := AuditRecord{
		HashKey:   record.ProductID + "-" + record.SupplierID,
		Timestamp: record.UpdatedAt,
		Action:    details.Action,
		Actor:     details.Actor,
		Platform:  record.Platform,
		Data:      record.Data,
		ExpiresAt: s.now().Add(s.auditTTL),
	}
	s.mu.Lock()
	s.audits[entry.HashKey] = append(s.audits[entry.HashKey], entry)
	err := s.persistLocked()
	if err != nil {
		entries := s.audits[entry.HashKey]
		s.audits[entry.HashKey] = entries[:len(entries)-1]
	}
	s.mu.Unlock()
	if err != nil {
		log.Printf("audit append failed for %s: %v", entry.HashKey, err)
	}
}

// AuditByKey returns the non-expired audit entries for a hash key in ascending
// timestamp order.
func (s *Store) AuditByKey(hashKey string) []AuditRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []AuditRecord{}
	for _, entry := range s.audits[hashKey] {
		if entry.ExpiresAt.After(now) {
			result = append(result, entry)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return timestampAfter(result[j].Timestamp, result[i].Timestamp)
	})
	return result
}

func (s *Store) GetCursor(supplierID string) (SyncCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[supplierID]
	return cursor, ok
}

// AdvanceCursor moves the supplier watermark forward. A timestamp at or before
// the stored watermark leaves the cursor unchanged.
func (s *Store) AdvanceCursor(supplierID, timestamp string) error {
	if strings.TrimSpace(supplierID) == "" || strings.TrimSpace(timestamp) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cursors[supplierID]
	if ok && !timestampAfter(timestamp, existing.LatestSyncTimestamp) {
		return nil
	}
	s.cursors[supplierID] = SyncCursor{SupplierID: supplierID, LatestSyncTimestamp: timestamp}
	if err := s.persistLocked(); err != nil {
		if ok {
			s.cursors[supplierID] = existing
		} else {
			delete(s.cursors, supplierID)
		}
		return fmt.Errorf("persist cursor %s: %w", supplierID, err)
	}
	return nil
}

// ReplaceCatalog swaps the supplier's entire raw catalog for the given records:
// every prior record is discarded, nothing is diffed.
func (s *Store) ReplaceCatalog(supplierCode string, records []RawSupplierRecord) error {
	if strings.TrimSpace(supplierCode) == "" {
		return ErrInvalidInput
	}
	next := make(map[string]RawSupplierRecord, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.HashKey) == "" {
			return ErrInvalidInput
		}
		next[record.HashKey] = record
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.catalogs[supplierCode]
	s.catalogs[supplierCode] = next
	if err := s.persistLocked(); err != nil {
		if had {
			s.catalogs[supplierCode] = previous
		} else {
			delete(s.catalogs, supplierCode)
		}
		return fmt.Errorf("persist catalog %s: %w", supplierCode, err)
	}
	return nil
}

func (s *Store) GetRawProduct(supplierCode, hashKey string) (RawSupplierRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.catalogs[supplierCode][hashKey]
	if !ok {
		return RawSupplierRecord{}, ErrNotFound
	}
	return record, nil
}

type RawQuery struct {
	IDs      []string
	Cursor   string
	PageSize int
}

type RawPage struct {
	Items      []RawSupplierRecord `json:"items"`
	NextCursor *string             `json:"nextCursor"`
}

// ScanRawProducts pages through a supplier's raw catalog in hash key order. An
// explicit IDs filter bypasses pagination and returns only the matching records.
func (s *Store) ScanRawProducts(supplierCode string, query RawQuery) RawPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	catalog := s.catalogs[supplierCode]

	if len(query.IDs) > 0 {
		page := RawPage{Items: []RawSupplierRecord{}}
		for _, id := range query.IDs {
			if record, ok := catalog[id]; ok {
				page.Items = append(page.Items, record)
			}
		}
		return page
	}

	keys := make([]string, 0, len(catalog))
	for key := range catalog {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	start := 0
	if query.Cursor != "" {
		start = sort.SearchStrings(keys, query.Cursor)
		if start < len(keys) && keys[start] == query.Cursor {
			start++
		}
	}
	page := RawPage{Items: []RawSupplierRecord{}}
	for i := start; i < len(keys) && len(page.Items) < pageSize; i++ {
		page.Items = append(page.Items, catalog[keys[i]])
	}
	if start+len(page.Items) < len(keys) && len(page.Items) > 0 {
		last := page.Items[len(page.Items)-1].HashKey
		page.NextCursor = &last
	}
	return page
}

func (s *Store) CatalogSize(supplierCode string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.catalogs[supplierCode])
}

func (s *Store) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	if snapshot.Products != nil {
		s.products = snapshot.Products
	}
	if snapshot.Cursors != nil {
		s.cursors = snapshot.Cursors
	}
	if snapshot.Catalogs != nil {
		s.catalogs = snapshot.Catalogs
	}
	if snapshot.Audits != nil {
		now := s.now()
		audits := make(map[string][]AuditRecord, len(snapshot.Audits))
		for key, entries := range snapshot.Audits {
			kept := entries[:0]
			for _, entry := range entries {
				if entry.ExpiresAt.After(now) {
					kept = append(kept, entry)
				}
			}
			if len(kept) > 0 {
				audits[key] = kept
			}
		}
		s.audits = audits
	}
	return nil
}

func (s *Store) persistLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := persistedState{
		Products: s.products,
		Audits:   s.audits,
		Cursors:  s.cursors,
		Catalogs: s.catalogs,
	}
	return s.stateBackend.Save(&snapshot)
}

// timestampAfter reports whether a is strictly later than b. Both values are
// RFC 3339 timestamps; unparseable values fall back to lexicographic order,
// which matches chronological order for normalized UTC timestamps.
func timestampAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}
