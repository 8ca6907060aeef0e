package edisync

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var ErrValidation = errors.New("file validation failed")

type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("csv %s failed validation: %s", e.File, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Product is one catalog entry assembled from a drop file: product-level
// fields plus a "variants" list holding one entry per source row.
type Product map[string]any

func (p Product) Handle() string {
	handle, _ := p["handle"].(string)
	return handle
}

// Columns that describe the product itself; everything else in a row belongs
// to the variant it defines.
var productColumns = map[string]struct{}{
	"handle":       {},
	"title":        {},
	"body_html":    {},
	"vendor":       {},
	"product_type": {},
	"tags":         {},
	"option1_name": {},
}

// ParseCatalog reads an EDI catalog drop and groups its rows into products by
// handle. Legacy feeds arrive in single-byte encodings, so the reader is
// decoded according to the supplier's configured encoding before parsing.
func ParseCatalog(reader io.Reader, encoding string) ([]Product, error) {
	decoded, err := decodeReader(reader, encoding)
	if err != nil {
		return nil, err
	}
	csvReader := csv.NewReader(decoded)
	csvReader.LazyQuotes = true
	csvReader.FieldsPerRecord = -1

	rows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv read error: %w", err)
	}
	if len(rows) < 2 {
		return nil, errors.New("csv has no data rows")
	}

	header := make([]string, len(rows[0]))
	for i, col := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	products := []Product{}
	byHandle := map[string]Product{}
	for _, row := range rows[1:] {
		fields := map[string]string{}
		for i, col := range header {
			if i < len(row) {
				fields[col] = strings.TrimSpace(row[i])
			}
		}
		handle := fields["handle"]
		if handle == "" {
			continue
		}
		product, ok := byHandle[handle]
		if !ok {
			product = Product{}
			for col := range productColumns {
				if value, present := fields[col]; present {
					product[col] = value
				}
			}
			product["variants"] = []any{}
			byHandle[handle] = product
			products = append(products, product)
		}
		variant := map[string]any{}
		for col, value := range fields {
			if _, isProductCol := productColumns[col]; !isProductCol {
				variant[col] = value
			}
		}
		product["variants"] = append(product["variants"].([]any), variant)
	}
	if len(products) == 0 {
		return nil, errors.New("csv contains no product rows")
	}
	return products, nil
}

func decodeReader(reader io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf8", "utf-8":
		return reader, nil
	case "cp1251", "windows-1251":
		return transform.NewReader(reader, charmap.Windows1251.NewDecoder()), nil
	case "cp1252", "windows-1252":
		return transform.NewReader(reader, charmap.Windows1252.NewDecoder()), nil
	case "latin1", "iso-8859-1":
		return transform.NewReader(reader, charmap.ISO8859_1.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported catalog encoding: %s", encoding)
	}
}

const productSchemaJSON = `{
	"type": "object",
	"required": ["title", "handle", "option1_name", "variants"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"handle": {"type": "string", "minLength": 1},
		"option1_name": {"type": "string"},
		"variants": {"type": "array", "minItems": 1}
	}
}`

func compileProductSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(productSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("product.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("product.schema.json")
}

// ValidateProduct checks the structural contract a drop must satisfy before
// it is allowed to replace a supplier catalog.
func validateProduct(schema *jsonschema.Schema, file string, product Product) error {
	if err := schema.Validate(map[string]any(product)); err != nil {
		return &ValidationError{File: file, Reason: err.Error()}
	}
	return nil
}
