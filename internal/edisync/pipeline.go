package edisync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tradewindlabs/supplysync/internal/productcache"
	"github.com/tradewindlabs/supplysync/internal/suppliers"
)

type StationFactory func(auth suppliers.EDIAuth) (Station, error)

type PipelineOptions struct {
	StationFactory StationFactory
	Clock          func() time.Time
}

// Pipeline drives the catalog import for EDI suppliers: stage the drop area,
// walk pending files oldest-first, and turn each accepted file into a full
// catalog replace plus mirrored cache writes.
type Pipeline struct {
	store      *productcache.Store
	directory  suppliers.Directory
	stationFor StationFactory
	schema     *jsonschema.Schema
	now        func() time.Time
	runMu      sync.Mutex
}

func NewPipeline(store *productcache.Store, directory suppliers.Directory) (*Pipeline, error) {
	return NewPipelineWithOptions(store, directory, PipelineOptions{})
}

func NewPipelineWithOptions(store *productcache.Store, directory suppliers.Directory, opts PipelineOptions) (*Pipeline, error) {
	if store == nil || directory == nil {
		return nil, errors.New("pipeline requires a store and a supplier directory")
	}
	schema, err := compileProductSchema()
	if err != nil {
		return nil, fmt.Errorf("compile product schema: %w", err)
	}
	p := &Pipeline{
		store:      store,
		directory:  directory,
		stationFor: opts.StationFactory,
		schema:     schema,
		now:        opts.Clock,
	}
	if p.stationFor == nil {
		p.stationFor = func(auth suppliers.EDIAuth) (Station, error) {
			return NewLocalStation(auth.CatalogDir)
		}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// RunAll processes every EDI supplier in sequence. A supplier without auth is
// skipped before any file discovery; a supplier whose sync fails is logged
// and never blocks the rest.
func (p *Pipeline) RunAll(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	for _, supplier := range p.directory.GetSuppliersByPlatform(productcache.PlatformEDI) {
		if ctx.Err() != nil {
			return
		}
		auth, err := p.directory.GetSupplierAuth(supplier.ID)
		if err != nil || auth.EDI == nil {
			continue
		}
		if _, err := p.SyncSupplier(ctx, supplier, *auth.EDI); err != nil {
			log.Printf("error while attempting to sync products for edi supplier %s: %+v", supplier.SupplierCode, err)
		}
	}
}

// SyncSupplier walks one supplier's pending files in order. A validation
// failure routes that file to failed and continues with the next; any other
// per-file failure routes the file to failed and stops this supplier's loop.
func (p *Pipeline) SyncSupplier(ctx context.Context, supplier suppliers.Supplier, auth suppliers.EDIAuth) (bool, error) {
	station, err := p.stationFor(auth)
	if err != nil {
		return false, fmt.Errorf("open station for %s: %w", supplier.SupplierCode, err)
	}
	if err := station.StageIncoming(); err != nil {
		return false, err
	}
	pending, err := station.ListPendingFiles()
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	synced := false
	for _, name := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		fileTime, ok := ExtractTimestamp(name)
		if !ok {
			fileTime = p.now().UTC()
		}

		if cursor, exists := p.store.GetCursor(supplier.ID); exists {
			if cursorTime, err := time.Parse(time.RFC3339, cursor.LatestSyncTimestamp); err == nil && !fileTime.After(cursorTime) {
				if err := station.MoveToSuccess(name); err != nil {
					return synced, err
				}
				observeFile("skipped")
				continue
			}
		}

		if err := p.importFile(station, supplier, auth, name, fileTime); err != nil {
			if moveErr := station.MoveToFailed(name); moveErr != nil {
				log.Printf("failed to file %s as failed for %s: %v", name, supplier.SupplierCode, moveErr)
			}
			observeFile("failed")
			if errors.Is(err, ErrValidation) {
				log.Printf("csv %s is missing required product fields, not able to import data: %v", name, err)
				continue
			}
			return synced, err
		}
		if err := station.MoveToSuccess(name); err != nil {
			return synced, err
		}
		observeFile("succeeded")
		synced = true
	}
	return synced, nil
}

func (p *Pipeline) importFile(station Station, supplier suppliers.Supplier, auth suppliers.EDIAuth, name string, fileTime time.Time) error {
	reader, err := station.Open(name)
	if err != nil {
		return err
	}
	products, err := ParseCatalog(reader, auth.Encoding)
	closeErr := reader.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	if err := validateProduct(p.schema, name, products[0]); err != nil {
		return err
	}

	records := make([]productcache.RawSupplierRecord, 0, len(products))
	for _, product := range products {
		data, err := json.Marshal(product)
		if err != nil {
			return fmt.Errorf("encode product %s: %w", product.Handle(), err)
		}
		records = append(records, productcache.RawSupplierRecord{
			HashKey:  productcache.RawRecordHashKey(product.Handle(), supplier.SupplierCode),
			QueryKey: product.Handle(),
			Platform: productcache.PlatformEDI,
			Data:     data,
		})
	}

	if err := p.store.ReplaceCatalog(supplier.SupplierCode, records); err != nil {
		return err
	}
	for _, record := range records {
		_, err := p.store.UpsertProduct(productcache.CacheRecord{
			ProductID:     record.HashKey,
			SupplierID:    supplier.ID,
			Platform:      productcache.PlatformEDI,
			QueryKey:      record.QueryKey,
			VariantHashes: map[string]string{},
			Data:          record.Data,
		}, &productcache.AuditDetails{
			Action: productcache.AuditActionCreate,
			Actor:  productcache.AuditActorInternalSync,
		})
		if err != nil {
			return err
		}
	}
	return p.store.AdvanceCursor(supplier.ID, fileTime.Format(time.RFC3339))
}

// Watch runs the pipeline on an interval and additionally whenever a new csv
// lands in any EDI supplier's drop directory.
func (p *Pipeline) Watch(ctx context.Context, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start drop watcher: %w", err)
	}
	defer watcher.Close()

	for _, supplier := range p.directory.GetSuppliersByPlatform(productcache.PlatformEDI) {
		auth, err := p.directory.GetSupplierAuth(supplier.ID)
		if err != nil || auth.EDI == nil {
			continue
		}
		if err := watcher.Add(auth.EDI.CatalogDir); err != nil {
			log.Printf("cannot watch drop directory %s for %s: %v", auth.EDI.CatalogDir, supplier.SupplierCode, err)
		}
	}

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.RunAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) && strings.EqualFold(filepath.Ext(event.Name), ".csv") {
				p.RunAll(ctx)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("drop watcher error: %v", watchErr)
		case <-ticker.C:
			p.RunAll(ctx)
		}
	}
}

var filesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edi_files_total",
		Help: "Terminal state of processed EDI drop files.",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(filesTotal)
}

func observeFile(state string) {
	filesTotal.WithLabelValues(state).Inc()
}
