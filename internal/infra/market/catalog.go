// Package market provides the marketplace catalog and the fetchers that
// retrieve product data from marketplaces.
package market

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ahrav/market-scout/internal/config/fileloader"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

// Market describes one marketplace.
type Market struct {
	Symbol    shared.MarketSymbol `yaml:"symbol" json:"-"`
	Name      string              `yaml:"name" json:"name"`
	URL       string              `yaml:"url" json:"url"`
	Available bool                `yaml:"available" json:"available"`
	// ProductURL is a template where "{id}" is replaced with the product id.
	ProductURL string `yaml:"product_url" json:"-"`
	// RPS and Burst bound outbound requests to the marketplace. Zero RPS
	// disables limiting.
	RPS   float64 `yaml:"rps" json:"-"`
	Burst int     `yaml:"burst" json:"-"`
}

// ProductURLFor returns the URL of product id on this market.
func (m Market) ProductURLFor(id string) string {
	return strings.ReplaceAll(m.ProductURL, "{id}", id)
}

// Catalog is the set of configured markets keyed by symbol.
type Catalog struct {
	markets map[shared.MarketSymbol]Market
}

type catalogFile struct {
	Markets []Market `yaml:"markets"`
}

// DefaultCatalog returns the built-in catalog of supported markets.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog([]Market{
		{
			Symbol: shared.MarketOzon, Name: "Ozon", URL: "https://ozon.ru", Available: true,
			ProductURL: "https://www.ozon.ru/product/{id}", RPS: 2, Burst: 4,
		},
		{
			Symbol: shared.MarketWildberries, Name: "Wildberries", URL: "https://www.wildberries.ru/", Available: true,
			ProductURL: "https://www.wildberries.ru/catalog/{id}/detail.aspx", RPS: 5, Burst: 10,
		},
		{
			Symbol: shared.MarketYandexMarket, Name: "YandexMarket", URL: "https://market.yandex.ru/", Available: true,
			ProductURL: "https://market.yandex.ru/product/{id}", RPS: 1, Burst: 2,
		},
		{
			Symbol: shared.MarketMegaMarket, Name: "MegaMarket", URL: "https://megamarket.ru/", Available: true,
			ProductURL: "https://megamarket.ru/promo-page/details/#?slug={id}", RPS: 2, Burst: 4,
		},
	})
	return c
}

// NewCatalog builds a catalog. Every market must use a known symbol, appear
// once and carry a product URL template.
func NewCatalog(markets []Market) (*Catalog, error) {
	c := &Catalog{markets: make(map[shared.MarketSymbol]Market, len(markets))}
	for _, m := range markets {
		if _, err := shared.ParseMarketSymbol(string(m.Symbol)); err != nil {
			return nil, err
		}
		if _, dup := c.markets[m.Symbol]; dup {
			return nil, fmt.Errorf("market %s listed twice: %w", m.Symbol, shared.ErrInvalidParameter)
		}
		if !strings.Contains(m.ProductURL, "{id}") {
			return nil, fmt.Errorf("market %s: product_url must contain {id}: %w", m.Symbol, shared.ErrInvalidParameter)
		}
		if m.RPS < 0 || m.Burst < 0 {
			return nil, fmt.Errorf("market %s: negative rate limit: %w", m.Symbol, shared.ErrInvalidParameter)
		}
		c.markets[m.Symbol] = m
	}
	return c, nil
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(ctx context.Context, path string) (*Catalog, error) {
	var f catalogFile
	if err := fileloader.NewFileLoader(path).Load(ctx, &f); err != nil {
		return nil, err
	}
	return NewCatalog(f.Markets)
}

// Lookup returns the market for sym.
func (c *Catalog) Lookup(sym shared.MarketSymbol) (Market, bool) {
	m, ok := c.markets[sym]
	return m, ok
}

// Markets returns every market ordered by symbol.
func (c *Catalog) Markets() []Market {
	out := make([]Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Public returns the catalog keyed by symbol in its wire form.
func (c *Catalog) Public() map[string]Market {
	out := make(map[string]Market, len(c.markets))
	for sym, m := range c.markets {
		out[string(sym)] = m
	}
	return out
}
