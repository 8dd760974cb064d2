package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

// ProductData is the product card produced by the mock fetcher.
type ProductData struct {
	SKU      string  `json:"sku"`
	Name     string  `json:"name,omitempty"`
	URL      string  `json:"url,omitempty"`
	Price    uint64  `json:"price,omitempty"`
	CPrice   uint64  `json:"cprice,omitempty"`
	Seller   string  `json:"seller,omitempty"`
	SellerID string  `json:"sellerId,omitempty"`
	Img      string  `json:"img,omitempty"`
	Reviews  uint64  `json:"reviews"`
	Rating   float64 `json:"rating"`
	Brand    string  `json:"brand,omitempty"`
}

var (
	mockNames   = []string{"Smartphone X7 8/256", "Laundry gel 5 l", "Office scissors 21 cm", "TV 43\" Full HD", "Wireless earbuds", "Electric kettle 1.7 l"}
	mockVendors = []string{"Express Store", "FG Store", "Official Brand Shop", "Home Goods", "Digital Point"}
	mockBrands  = []string{"Xiaomi", "Poco", "ARIC", "Calligrata", "Bosch", "Philips"}
)

// MockConfig tunes the mock fetcher.
type MockConfig struct {
	// MinLatency and MaxLatency bound the simulated request time.
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailureRate is the probability in [0,1] that a fetch fails transiently.
	FailureRate float64
}

// MockFetcher synthesizes product data without network access.
type MockFetcher struct {
	catalog *Catalog
	cfg     MockConfig
}

// NewMockFetcher creates a mock fetcher.
func NewMockFetcher(catalog *Catalog, cfg MockConfig) *MockFetcher {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &MockFetcher{catalog: catalog, cfg: cfg}
}

var errSimulated = errors.New("simulated marketplace failure")

// Fetch returns a random product card for product after the simulated latency.
func (f *MockFetcher) Fetch(ctx context.Context, product shared.ProductRef, _ proxy.Endpoint) (json.RawMessage, error) {
	if d := f.latency(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, dispatch.NewTransientError(ctx.Err(), false)
		case <-timer.C:
		}
	}

	if f.cfg.FailureRate > 0 && rand.Float64() < f.cfg.FailureRate {
		return nil, dispatch.NewTransientError(fmt.Errorf("%s: %w", product, errSimulated), false)
	}

	data := RandomProduct(product)
	if m, ok := f.catalog.Lookup(product.Market); ok {
		data.URL = m.ProductURLFor(product.ID)
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, dispatch.NewPermanentError(err)
	}
	return out, nil
}

func (f *MockFetcher) latency() time.Duration {
	spread := f.cfg.MaxLatency - f.cfg.MinLatency
	if spread <= 0 {
		return f.cfg.MinLatency
	}
	return f.cfg.MinLatency + rand.N(spread)
}

// RandomProduct generates a plausible product card. The card price is always
// below the list price.
func RandomProduct(product shared.ProductRef) ProductData {
	price := 200 + rand.Uint64N(8800)
	return ProductData{
		SKU:      product.ID,
		Name:     mockNames[rand.IntN(len(mockNames))],
		Price:    price,
		CPrice:   uint64(float64(price) * (0.5 + rand.Float64()*0.45)),
		Seller:   mockVendors[rand.IntN(len(mockVendors))],
		SellerID: strconv.FormatUint(10_000_000+rand.Uint64N(989_999_999), 10),
		Reviews:  rand.Uint64N(4500),
		Rating:   float64(rand.IntN(50)) / 10,
		Brand:    mockBrands[rand.IntN(len(mockBrands))],
	}
}
