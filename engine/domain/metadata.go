package domain

import (
	"fmt"
	"strconv"
)

// Metadata keys mirrored into the vector index for every listing.
const (
	MetaTitle        = "title"
	MetaMake         = "make"
	MetaModel        = "model"
	MetaCity         = "city"
	MetaMunicipality = "municipality"
	MetaYear         = "year"
	MetaPrice        = "price_num"
	MetaMileage      = "mileage_km"
)

// TextMetaKeys default to "" when absent.
var TextMetaKeys = []string{MetaTitle, MetaMake, MetaModel, MetaCity, MetaMunicipality}

// NumericMetaKeys default to 0 when absent.
var NumericMetaKeys = []string{MetaYear, MetaPrice, MetaMileage}

// MetaKeys lists every declared key, text first.
var MetaKeys = append(append([]string{}, TextMetaKeys...), NumericMetaKeys...)

// Metadata is the sanitized listing snapshot stored alongside an embedding.
type Metadata map[string]any

// SanitizeMetadata builds the index metadata for a record. The vector index
// cannot hold nulls, so every declared key is present with a typed default.
func SanitizeMetadata(r ListingRecord) Metadata {
	m := Metadata{
		MetaTitle:        r.Title,
		MetaMake:         r.Make,
		MetaModel:        r.Model,
		MetaCity:         r.City,
		MetaMunicipality: r.Municipality,
		MetaYear:         int64(0),
		MetaPrice:        float64(0),
		MetaMileage:      float64(0),
	}
	if r.Year != nil {
		m[MetaYear] = int64(*r.Year)
	}
	if r.Price != nil {
		m[MetaPrice] = *r.Price
	}
	if r.Mileage != nil {
		m[MetaMileage] = *r.Mileage
	}
	return m
}

// Validate reports the first declared key that is missing or null.
func (m Metadata) Validate() error {
	for _, k := range MetaKeys {
		v, ok := m[k]
		if !ok {
			return fmt.Errorf("metadata: missing key %q", k)
		}
		if v == nil {
			return fmt.Errorf("metadata: null value for %q", k)
		}
	}
	return nil
}

// String returns a text value.
func (m Metadata) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Number returns a numeric value regardless of the integer or float width
// the index decoded it as.
func (m Metadata) Number(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Known returns a numeric value only when it carries information. Sanitized
// zeros are indistinguishable from absent values and are reported unknown.
func (m Metadata) Known(key string) (float64, bool) {
	v, ok := m.Number(key)
	if !ok || v == 0 {
		return 0, false
	}
	return v, true
}

// EmbeddingText is the document text embedded for a listing.
func EmbeddingText(r ListingRecord) string {
	m := SanitizeMetadata(r)
	year, _ := m.Number(MetaYear)
	price, _ := m.Number(MetaPrice)
	mileage, _ := m.Number(MetaMileage)
	return fmt.Sprintf("%s. Make: %s, Model: %s, Year: %d, Mileage: %s km, City: %s, Price: %s.",
		r.Title, r.Make, r.Model, int64(year), formatNumber(mileage), r.City, formatNumber(price))
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
