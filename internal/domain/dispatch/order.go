package dispatch

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

// Order is a validated request to look up a set of products.
type Order struct {
	Products  []shared.ProductRef
	ProxyPool []proxy.Endpoint
}

// NewOrder validates raw product references and proxy strings. Duplicate
// products are dropped keeping the first occurrence. maxItems caps the number
// of distinct products; zero disables the cap.
func NewOrder(products, proxies []string, maxItems int) (Order, error) {
	if len(products) == 0 {
		return Order{}, fmt.Errorf("order has no products: %w", shared.ErrInvalidParameter)
	}

	seen := make(map[shared.ProductRef]struct{}, len(products))
	refs := make([]shared.ProductRef, 0, len(products))
	for _, raw := range products {
		ref, err := shared.ParseProductRef(raw)
		if err != nil {
			return Order{}, err
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	if maxItems > 0 && len(refs) > maxItems {
		return Order{}, fmt.Errorf("order has %d products, limit is %d: %w", len(refs), maxItems, shared.ErrInvalidParameter)
	}

	pool, err := proxy.ParsePool(proxies)
	if err != nil {
		return Order{}, err
	}

	return Order{Products: refs, ProxyPool: pool}, nil
}

// OrderID derives the order identifier from the owning token, its products and
// a per-submission nonce so identical resubmissions get distinct ids.
func OrderID(tokenID string, products []shared.ProductRef, nonce string) string {
	parts := make([]string, len(products))
	for i, p := range products {
		parts[i] = p.String()
	}
	return hashHex(tokenID, strings.Join(parts, ","), nonce)
}

// TaskID derives a task hash from its order, product and position.
func TaskID(orderID string, product shared.ProductRef, index int) string {
	return hashHex(orderID, product.String(), strconv.Itoa(index))
}

func hashHex(parts ...string) string {
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, " ")))
	return hex.EncodeToString(h.Sum(nil))
}

// Progress counts terminal tasks against the order size.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// OrderStatus summarizes an order from its tasks.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusRunning   OrderStatus = "RUNNING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

// OrderView aggregates the tasks of one order.
type OrderView struct {
	OrderID  string                     `json:"order_id"`
	Status   OrderStatus                `json:"status"`
	Progress Progress                   `json:"progress"`
	Results  map[string]json.RawMessage `json:"result"`
	Tasks    []TaskSnapshot             `json:"tasks"`
}

// NewOrderView builds the aggregate view for the given task snapshots.
func NewOrderView(orderID string, tasks []TaskSnapshot) OrderView {
	view := OrderView{
		OrderID:  orderID,
		Status:   OrderStatusPending,
		Progress: Progress{Total: len(tasks)},
		Results:  make(map[string]json.RawMessage),
		Tasks:    tasks,
	}

	started := false
	for _, t := range tasks {
		if t.Terminal {
			view.Progress.Done++
		}
		if t.Status != TaskStatusPending {
			started = true
		}
		if t.Status == TaskStatusSucceeded && t.Result != nil {
			view.Results[t.Product] = t.Result
		}
	}

	switch {
	case view.Progress.Total > 0 && view.Progress.Done == view.Progress.Total:
		view.Status = OrderStatusCompleted
	case started:
		view.Status = OrderStatusRunning
	}
	return view
}

// OrderHandle is returned from a submission.
type OrderHandle struct {
	OrderID  string         `json:"order_id"`
	Admitted int            `json:"admitted"`
	Denied   int            `json:"denied"`
	Tasks    []TaskSnapshot `json:"tasks"`
}
