package shared

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MarketSymbol identifies a marketplace by its short prefix.
type MarketSymbol string

const (
	MarketOzon         MarketSymbol = "oz"
	MarketWildberries  MarketSymbol = "wb"
	MarketYandexMarket MarketSymbol = "ym"
	MarketMegaMarket   MarketSymbol = "mm"
)

// String returns the string representation of a MarketSymbol.
func (m MarketSymbol) String() string { return string(m) }

var allMarkets = []MarketSymbol{MarketOzon, MarketWildberries, MarketYandexMarket, MarketMegaMarket}

// AllMarkets returns every supported market symbol.
func AllMarkets() []MarketSymbol {
	out := make([]MarketSymbol, len(allMarkets))
	copy(out, allMarkets)
	return out
}

// ParseMarketSymbol validates s as a known market symbol.
func ParseMarketSymbol(s string) (MarketSymbol, error) {
	for _, m := range allMarkets {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown market %q: %w", s, ErrInvalidParameter)
}

// ProductRef names one product on one marketplace, written "<market>/<id>".
type ProductRef struct {
	Market MarketSymbol
	ID     string
}

// ParseProductRef parses and validates a product reference. Besides the
// "<market>/<id>" form it accepts marketplace product page URLs, which are
// normalized to the same form:
//
//	https://www.ozon.ru/product/<slug>-<id>/
//	https://www.wildberries.ru/catalog/<id>/detail.aspx
//	https://market.yandex.ru/product/<id>?sku=<sku>&uniqueId=<uid>
//	https://megamarket.ru/catalog/details/<slug>-<id>/
func ParseProductRef(s string) (ProductRef, error) {
	s = strings.TrimSpace(s)

	var (
		prefix, id string
		err        error
	)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		if prefix, id, err = refFromURL(s); err != nil {
			return ProductRef{}, err
		}
	} else {
		var ok bool
		if prefix, id, ok = strings.Cut(s, "/"); !ok || id == "" {
			return ProductRef{}, fmt.Errorf("malformed product reference %q: %w", s, ErrInvalidParameter)
		}
	}

	market, err := ParseMarketSymbol(prefix)
	if err != nil {
		return ProductRef{}, err
	}

	if err := validateProductID(market, id); err != nil {
		return ProductRef{}, fmt.Errorf("product %q: %w", s, err)
	}

	return ProductRef{Market: market, ID: id}, nil
}

// refFromURL extracts the market symbol and product id from a product page URL.
func refFromURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("malformed product url %q: %w", raw, ErrInvalidParameter)
	}
	invalid := fmt.Errorf("unsupported product url %q: %w", raw, ErrInvalidParameter)

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	segment := func(i int) (string, bool) {
		if i >= len(segments) || segments[i] == "" {
			return "", false
		}
		return segments[i], true
	}
	// Slugged segments end with the numeric id: "some-product-name-12345".
	lastDashPart := func(seg string) string {
		if i := strings.LastIndexByte(seg, '-'); i >= 0 {
			return seg[i+1:]
		}
		return seg
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "ozon.ru" && segments[0] == "product":
		seg, ok := segment(1)
		if !ok {
			return "", "", invalid
		}
		return string(MarketOzon), lastDashPart(seg), nil

	case host == "wildberries.ru" && segments[0] == "catalog":
		seg, ok := segment(1)
		if !ok {
			return "", "", invalid
		}
		return string(MarketWildberries), seg, nil

	case host == "market.yandex.ru" && strings.HasPrefix(segments[0], "product"):
		seg, ok := segment(1)
		q := u.Query()
		sku, uniqueID := q.Get("sku"), q.Get("uniqueId")
		if !ok || sku == "" || uniqueID == "" {
			return "", "", invalid
		}
		return string(MarketYandexMarket), seg + "-" + sku + "-" + uniqueID, nil

	case host == "megamarket.ru" && segments[0] == "catalog":
		if sub, _ := segment(1); sub != "details" {
			return "", "", invalid
		}
		seg, ok := segment(2)
		if !ok {
			return "", "", invalid
		}
		return string(MarketMegaMarket), lastDashPart(seg), nil
	}
	return "", "", invalid
}

// validateProductID checks the id against its market's format: unsigned
// 64-bit integers for oz, wb and mm; for ym either a product number or the
// full "<product>-<sku>-<uniqueId>" triple of numbers.
func validateProductID(market MarketSymbol, id string) error {
	switch market {
	case MarketOzon, MarketWildberries, MarketMegaMarket:
		if !isUint64(id) {
			return fmt.Errorf("id must be an unsigned integer: %w", ErrInvalidParameter)
		}
	case MarketYandexMarket:
		parts := strings.Split(id, "-")
		if len(parts) != 1 && len(parts) != 3 {
			return fmt.Errorf("id must be <product> or <product>-<sku>-<uniqueId>: %w", ErrInvalidParameter)
		}
		for _, p := range parts {
			if !isUint64(p) {
				return fmt.Errorf("id parts must be unsigned integers: %w", ErrInvalidParameter)
			}
		}
	}
	return nil
}

func isUint64(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// String returns the "<market>/<id>" form.
func (p ProductRef) String() string { return string(p.Market) + "/" + p.ID }
