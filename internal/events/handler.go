package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

// ErrMalformedEvent marks payloads that can never succeed; sources drop them.
var ErrMalformedEvent = errors.New("malformed order event")

// productRef accepts 12 or "12"; shop services disagree on id encoding.
type productRef int64

func (p *productRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("product id %q: %w", s, err)
		}
		*p = productRef(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = productRef(n)
	return nil
}

type OrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderEvent is published once an order is paid.
type OrderEvent struct {
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

func (e *OrderEvent) UnmarshalJSON(b []byte) error {
	var raw struct {
		OrderID    string `json:"order_id"`
		OrderIDAlt string `json:"orderId"`
		Items      []struct {
			ProductID    *productRef `json:"product_id"`
			ProductIDAlt *productRef `json:"productId"`
			Quantity     *int        `json:"quantity"`
		} `json:"items"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.OrderID = raw.OrderID
	if e.OrderID == "" {
		e.OrderID = raw.OrderIDAlt
	}
	e.Items = make([]OrderItem, 0, len(raw.Items))
	for i, it := range raw.Items {
		ref := it.ProductID
		if ref == nil {
			ref = it.ProductIDAlt
		}
		if ref == nil {
			return fmt.Errorf("item %d: missing product id", i)
		}
		qty := 1
		if it.Quantity != nil {
			qty = *it.Quantity
		}
		e.Items = append(e.Items, OrderItem{ProductID: int64(*ref), Quantity: qty})
	}
	return nil
}

// ProductIDs lists the distinct products actually bought, in order of appearance.
func (e OrderEvent) ProductIDs() []recommender.ProductID {
	seen := make(map[int64]struct{}, len(e.Items))
	out := make([]recommender.ProductID, 0, len(e.Items))
	for _, it := range e.Items {
		if it.Quantity <= 0 {
			continue
		}
		if _, dup := seen[it.ProductID]; dup {
			continue
		}
		seen[it.ProductID] = struct{}{}
		out = append(out, recommender.ProductID(it.ProductID))
	}
	return out
}

type PurchaseRecorder interface {
	RecordPurchase(ctx context.Context, products []recommender.ProductID) error
}

// Handler feeds paid orders into the recommender.
type Handler struct {
	rec PurchaseRecorder
	log *logger.Logger
}

func NewHandler(rec PurchaseRecorder, baseLog *logger.Logger) (*Handler, error) {
	if rec == nil {
		return nil, fmt.Errorf("purchase recorder required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Handler{rec: rec, log: baseLog.With("service", "OrderEventHandler")}, nil
}

// Handle returns ErrMalformedEvent for payloads that should be dropped; any other error
// is a store failure worth retrying.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ids := ev.ProductIDs()
	if err := h.rec.RecordPurchase(ctx, ids); err != nil {
		if errors.Is(err, recommender.ErrInvalidInput) {
			return fmt.Errorf("%w: order %s: %v", ErrMalformedEvent, ev.OrderID, err)
		}
		return fmt.Errorf("record order %s: %w", ev.OrderID, err)
	}
	h.log.Debug("order recorded", "order_id", ev.OrderID, "products", len(ids))
	return nil
}
