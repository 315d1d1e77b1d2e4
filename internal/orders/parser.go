// Package orders reads order exports produced by the shopping collaborator:
// either a JSON array of orders or one order per line (JSONL).
package orders

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/store"
)

// ParseResult holds the orders that parsed and validated, and how many were
// dropped.
type ParseResult struct {
	Orders  []Order `json:"orders"`
	Skipped int     `json:"skipped"`
}

// rawOrder is the wire shape. Dates and items are polymorphic.
type rawOrder struct {
	OrderID string    `json:"orderId"`
	Date    string    `json:"date"`
	Items   []rawLine `json:"items"`
}

type rawLine struct {
	Item     json.RawMessage `json:"item"`
	Quantity float64         `json:"quantity"`
	Price    *float64        `json:"price,omitempty"`
}

// ParseFile reads an order export from disk.
func ParseFile(path string) (ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("read orders: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses a JSON array or JSONL export. Malformed or invalid orders
// are skipped and counted; only an unreadable array is an error.
func ParseBytes(data []byte) (ParseResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ParseResult{Orders: []Order{}}, nil
	}
	if data[0] == '[' {
		return parseArray(data)
	}
	return parseLines(data)
}

func parseArray(data []byte) (ParseResult, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return ParseResult{}, fmt.Errorf("parse orders: %w", err)
	}
	res := ParseResult{Orders: []Order{}}
	for i, raw := range raws {
		res.add(i, raw)
	}
	return res, nil
}

func parseLines(data []byte) (ParseResult, error) {
	res := ParseResult{Orders: []Order{}}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		res.add(n, line)
		n++
	}
	if err := scanner.Err(); err != nil {
		return ParseResult{}, fmt.Errorf("scan orders: %w", err)
	}
	return res, nil
}

func (r *ParseResult) add(i int, raw []byte) {
	o, err := parseOrder(raw)
	if err != nil {
		r.Skipped++
		log.Debug().Int("index", i).Err(err).Msg("skipping order")
		return
	}
	r.Orders = append(r.Orders, o)
}

func parseOrder(raw []byte) (Order, error) {
	var ro rawOrder
	if err := json.Unmarshal(raw, &ro); err != nil {
		return Order{}, err
	}
	date, err := parseDate(ro.Date)
	if err != nil {
		return Order{}, err
	}
	o := Order{OrderID: strings.TrimSpace(ro.OrderID), Date: date, Items: make([]Line, 0, len(ro.Items))}
	for i, rl := range ro.Items {
		item, err := parseItem(rl.Item)
		if err != nil {
			return Order{}, fmt.Errorf("items[%d]: %w", i, err)
		}
		o.Items = append(o.Items, Line{Item: item, Quantity: rl.Quantity, Price: rl.Price})
	}
	if se := store.Validate(o); se != nil {
		return Order{}, fmt.Errorf("%s %s", se.Field, se.Reason)
	}
	return o, nil
}

// parseDate accepts RFC 3339 timestamps and bare dates.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseItem handles the polymorphic item field.
// It may be a plain product name or a full identifier object. Whitespace in
// the name is collapsed so a blank name fails validation here.
func parseItem(raw json.RawMessage) (memory.ItemIdentifier, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return memory.ItemIdentifier{Name: collapseSpace(name)}, nil
	}
	var id memory.ItemIdentifier
	if err := json.Unmarshal(raw, &id); err != nil {
		return memory.ItemIdentifier{}, fmt.Errorf("item must be a name or an identifier object")
	}
	id.Name = collapseSpace(id.Name)
	return id, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
