package suppliers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tradewindlabs/supplysync/internal/productcache"
)

const registryYAML = `suppliers:
  - id: sup-1
    supplierCode: acme
    name: Acme Parts
    platform: edi
    auth:
      edi:
        catalogDir: /var/drops/acme
        encoding: cp1251
  - id: sup-2
    supplierCode: globex
    platform: shopify
    isIntegrationUnhealthy: true
    auth: {}
  - id: sup-3
    supplierCode: initech
    platform: edi
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suppliers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry failed: %v", err)
	}
	return path
}

func TestLoadDirectory(t *testing.T) {
	dir, err := LoadDirectory(writeRegistry(t, registryYAML))
	if err != nil {
		t.Fatalf("load directory failed: %v", err)
	}

	supplier, err := dir.GetSupplierByCode("acme")
	if err != nil {
		t.Fatalf("get by code failed: %v", err)
	}
	if supplier.ID != "sup-1" || supplier.Platform != productcache.PlatformEDI {
		t.Fatalf("unexpected supplier %+v", supplier)
	}

	byID, err := dir.GetSupplierByID("sup-2")
	if err != nil || !byID.IsIntegrationUnhealthy {
		t.Fatalf("expected unhealthy sup-2, got %+v err=%v", byID, err)
	}

	auth, err := dir.GetSupplierAuth("sup-1")
	if err != nil {
		t.Fatalf("get auth failed: %v", err)
	}
	if auth.SupplierID != "sup-1" || auth.EDI == nil || auth.EDI.CatalogDir != "/var/drops/acme" || auth.EDI.Encoding != "cp1251" {
		t.Fatalf("unexpected auth %+v", auth)
	}

	if _, err := dir.GetSupplierAuth("sup-3"); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected auth missing for sup-3, got %v", err)
	}
	if _, err := dir.GetSupplierByCode("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	edi := dir.GetSuppliersByPlatform(productcache.PlatformEDI)
	if len(edi) != 2 {
		t.Fatalf("expected 2 edi suppliers, got %d", len(edi))
	}
}

func TestLoadDirectoryRejectsIncompleteEntries(t *testing.T) {
	if _, err := LoadDirectory(writeRegistry(t, "suppliers:\n  - id: sup-1\n    platform: edi\n")); err == nil {
		t.Fatalf("expected error for entry without supplierCode")
	}
	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAssertServable(t *testing.T) {
	dir, err := LoadDirectory(writeRegistry(t, registryYAML))
	if err != nil {
		t.Fatalf("load directory failed: %v", err)
	}

	if _, err := AssertServable(dir, "acme"); err != nil {
		t.Fatalf("expected acme to be servable: %v", err)
	}
	if _, err := AssertServable(dir, "globex"); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected unhealthy, got %v", err)
	}
	if _, err := AssertServable(dir, "initech"); !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected auth missing, got %v", err)
	}
	if _, err := AssertServable(dir, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
