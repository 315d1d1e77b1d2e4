package orders

import (
	"strings"
	"time"

	"github.com/lazypower/pantry/internal/memory"
)

// Order is one completed grocery order.
type Order struct {
	OrderID string    `json:"orderId,omitempty"`
	Date    time.Time `json:"date" validate:"required"`
	Items   []Line    `json:"items" validate:"min=1,dive"`
}

// Line is one product on an order.
type Line struct {
	Item     memory.ItemIdentifier `json:"item"`
	Quantity float64               `json:"quantity" validate:"gt=0"`
	Price    *float64              `json:"price,omitempty" validate:"omitempty,gte=0"`
}

// Normalize merges lines for the same item. Quantities are summed, the last
// known price wins, and identifiers missing on the first line are filled from
// later ones. Line order follows first appearance.
func Normalize(o Order) Order {
	out := o
	out.Items = make([]Line, 0, len(o.Items))
	idx := map[string]int{}
	for _, l := range o.Items {
		l.Item.Name = strings.Join(strings.Fields(l.Item.Name), " ")
		k := l.Item.Key()
		i, ok := idx[k]
		if !ok {
			idx[k] = len(out.Items)
			out.Items = append(out.Items, l)
			continue
		}
		m := &out.Items[i]
		m.Quantity += l.Quantity
		if l.Price != nil {
			m.Price = l.Price
		}
		if m.Item.SKU == "" {
			m.Item.SKU = l.Item.SKU
		}
		if m.Item.Barcode == "" {
			m.Item.Barcode = l.Item.Barcode
		}
		if m.Item.Category == "" {
			m.Item.Category = l.Item.Category
		}
	}
	return out
}

// Entries flattens normalized orders into purchase ledger entries, one per
// line.
func Entries(batch []Order) []memory.PurchaseEntry {
	var out []memory.PurchaseEntry
	for _, o := range batch {
		for _, l := range Normalize(o).Items {
			out = append(out, memory.PurchaseEntry{
				Item: l.Item,
				Purchase: memory.PurchaseRecord{
					Date:     o.Date,
					Quantity: l.Quantity,
					Price:    l.Price,
					OrderID:  o.OrderID,
				},
			})
		}
	}
	return out
}
