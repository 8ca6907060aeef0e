// Package suppliers resolves supplier identity and integration credentials for
// the rest of the system. The backing registry is a YAML file; lookups are the
// same shapes the sync pipeline and product API consume.
package suppliers

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tradewindlabs/supplysync/internal/productcache"
)

var (
	ErrNotFound    = errors.New("supplier not found")
	ErrAuthMissing = errors.New("supplier auth missing")
	ErrUnhealthy   = errors.New("supplier integration unhealthy")
)

type Supplier struct {
	ID                     string                `yaml:"id" json:"id"`
	SupplierCode           string                `yaml:"supplierCode" json:"supplierCode"`
	Name                   string                `yaml:"name,omitempty" json:"name,omitempty"`
	Platform               productcache.Platform `yaml:"platform" json:"platform"`
	IsIntegrationUnhealthy bool                  `yaml:"isIntegrationUnhealthy,omitempty" json:"isIntegrationUnhealthy,omitempty"`
}

type EDIAuth struct {
	CatalogDir string `yaml:"catalogDir" json:"catalogDir"`
	Encoding   string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

type Auth struct {
	SupplierID string   `yaml:"supplierId" json:"supplierId"`
	EDI        *EDIAuth `yaml:"edi,omitempty" json:"edi,omitempty"`
}

type Directory interface {
	GetSupplierByID(id string) (Supplier, error)
	GetSupplierByCode(code string) (Supplier, error)
	GetSuppliersByPlatform(platform productcache.Platform) []Supplier
	GetSupplierAuth(supplierID string) (Auth, error)
}

type registryFile struct {
	Suppliers []registryEntry `yaml:"suppliers"`
}

type registryEntry struct {
	Supplier `yaml:",inline"`
	Auth     *Auth `yaml:"auth,omitempty"`
}

type StaticDirectory struct {
	mu        sync.RWMutex
	byID      map[string]Supplier
	byCode    map[string]Supplier
	authsByID map[string]Auth
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		byID:      map[string]Supplier{},
		byCode:    map[string]Supplier{},
		authsByID: map[string]Auth{},
	}
}

// LoadDirectory reads the supplier registry from a YAML file.
func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read supplier registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse supplier registry: %w", err)
	}
	dir := NewStaticDirectory()
	for _, entry := range file.Suppliers {
		if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.SupplierCode) == "" {
			return nil, fmt.Errorf("supplier registry entry missing id or supplierCode")
		}
		dir.Add(entry.Supplier, entry.Auth)
	}
	return dir, nil
}

func (d *StaticDirectory) Add(supplier Supplier, auth *Auth) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[supplier.ID] = supplier
	d.byCode[supplier.SupplierCode] = supplier
	if auth != nil {
		stored := *auth
		if stored.SupplierID == "" {
			stored.SupplierID = supplier.ID
		}
		d.authsByID[supplier.ID] = stored
	}
}

func (d *StaticDirectory) GetSupplierByID(id string) (Supplier, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	supplier, ok := d.byID[id]
	if !ok {
		return Supplier{}, ErrNotFound
	}
	return supplier, nil
}

func (d *StaticDirectory) GetSupplierByCode(code string) (Supplier, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	supplier, ok := d.byCode[code]
	if !ok {
		return Supplier{}, ErrNotFound
	}
	return supplier, nil
}

func (d *StaticDirectory) GetSuppliersByPlatform(platform productcache.Platform) []Supplier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := []Supplier{}
	for _, supplier := range d.byID {
		if supplier.Platform == platform {
			result = append(result, supplier)
		}
	}
	return result
}

func (d *StaticDirectory) GetSupplierAuth(supplierID string) (Auth, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	auth, ok := d.authsByID[supplierID]
	if !ok {
		return Auth{}, ErrAuthMissing
	}
	return auth, nil
}

// AssertServable reports whether the supplier identified by code can serve
// product reads: it must exist, be healthy, and have auth on file.
func AssertServable(dir Directory, code string) (Supplier, error) {
	supplier, err := dir.GetSupplierByCode(code)
	if err != nil {
		return Supplier{}, err
	}
	if supplier.IsIntegrationUnhealthy {
		return Supplier{}, fmt.Errorf("%w: %s", ErrUnhealthy, code)
	}
	if _, err := dir.GetSupplierAuth(supplier.ID); err != nil {
		return Supplier{}, err
	}
	return supplier, nil
}
