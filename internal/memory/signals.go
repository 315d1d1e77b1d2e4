package memory

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/lazypower/pantry/internal/store"
)

const signalsVersion = 2

// PurchaseRecord is one purchase of an item. Immutable once recorded.
type PurchaseRecord struct {
	Date     time.Time `json:"date" validate:"required"`
	Quantity float64   `json:"quantity" validate:"gt=0"`
	Price    *float64  `json:"price,omitempty" validate:"omitempty,gte=0"`
	OrderID  string    `json:"orderId,omitempty"`
}

// ItemSignal is the purchase ledger for one distinct item. The derived
// fields are recomputed from PurchaseHistory after every mutation and on load.
type ItemSignal struct {
	Item            ItemIdentifier   `json:"item"`
	PurchaseHistory []PurchaseRecord `json:"purchaseHistory" validate:"dive"`

	AverageQuantity   *float64   `json:"averageQuantity,omitempty"`
	TypicalPrice      *float64   `json:"typicalPrice,omitempty"`
	PurchaseFrequency *float64   `json:"purchaseFrequency,omitempty"` // purchases per 30 days
	LastPurchasedAt   *time.Time `json:"lastPurchasedAt,omitempty"`

	PreferredVariant string    `json:"preferredVariant,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PurchaseEntry pairs a purchase with the item it was for.
type PurchaseEntry struct {
	Item     ItemIdentifier `json:"item"`
	Purchase PurchaseRecord `json:"purchase"`
}

// SimilarSignal is a FindSimilarSignals match.
type SimilarSignal struct {
	Signal     ItemSignal `json:"signal"`
	Similarity float64    `json:"similarity"`
}

// SignalsDocument is persisted as item-signals.json.
type SignalsDocument struct {
	store.Meta
	Signals []ItemSignal `json:"signals" validate:"dive"`
}

// SignalsSchema describes item-signals.json. Version 1 called the purchase
// ledger "history".
var SignalsSchema = store.Schema[*SignalsDocument]{
	Name:     "item-signals",
	FileName: "item-signals.json",
	Version:  signalsVersion,
	New: func(householdID string) *SignalsDocument {
		return &SignalsDocument{
			Meta:    store.Meta{Version: signalsVersion, HouseholdID: householdID},
			Signals: []ItemSignal{},
		}
	},
	Migrate: func(raw map[string]any, from int) error {
		if from >= 2 {
			return nil
		}
		signals, _ := raw["signals"].([]any)
		for _, s := range signals {
			sig, ok := s.(map[string]any)
			if !ok {
				continue
			}
			if h, ok := sig["history"]; ok {
				sig["purchaseHistory"] = h
				delete(sig, "history")
			}
		}
		return nil
	},
	Normalize: func(doc *SignalsDocument) {
		if doc.Signals == nil {
			doc.Signals = []ItemSignal{}
		}
		for i := range doc.Signals {
			deriveSignal(&doc.Signals[i])
		}
	},
}

// SignalStore is the item purchase ledger for one household.
type SignalStore struct {
	*store.Store[*SignalsDocument]
}

func NewSignalStore(b store.Backend, householdID string, opts ...store.Option) *SignalStore {
	return &SignalStore{store.New(b, householdID, SignalsSchema, opts...)}
}

// deriveSignal sorts the history newest first and recomputes every derived
// field from it.
func deriveSignal(sig *ItemSignal) {
	h := sig.PurchaseHistory
	sort.SliceStable(h, func(i, j int) bool { return h[i].Date.After(h[j].Date) })

	sig.AverageQuantity = nil
	sig.TypicalPrice = nil
	sig.PurchaseFrequency = nil
	sig.LastPurchasedAt = nil
	if len(h) == 0 {
		return
	}

	var qty float64
	for _, p := range h {
		qty += p.Quantity
	}
	avg := qty / float64(len(h))
	sig.AverageQuantity = &avg

	var prices []float64
	for _, p := range h {
		if p.Price != nil {
			prices = append(prices, *p.Price)
			if len(prices) == 5 {
				break
			}
		}
	}
	if len(prices) > 0 {
		m := median(prices)
		sig.TypicalPrice = &m
	}

	last := h[0].Date
	sig.LastPurchasedAt = &last

	if len(h) >= 2 {
		spanDays := h[0].Date.Sub(h[len(h)-1].Date).Hours() / 24
		if spanDays > 0 {
			f := float64(len(h)) / (spanDays / 30)
			sig.PurchaseFrequency = &f
		}
	}
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func copySignal(sig ItemSignal) ItemSignal {
	sig.PurchaseHistory = slices.Clone(sig.PurchaseHistory)
	return sig
}

// findExact resolves an identifier by SKU, then barcode, then folded name.
func findExact(signals []ItemSignal, item ItemIdentifier) int {
	for level := 3; level >= 1; level-- {
		for i := range signals {
			if matchLevel(item, signals[i].Item) == level {
				return i
			}
		}
	}
	return -1
}

// learnIdentifiers fills in a SKU or barcode the stored identifier lacks.
// Nothing else about an identifier changes after creation.
func learnIdentifiers(dst *ItemIdentifier, src ItemIdentifier) {
	if dst.SKU == "" {
		dst.SKU = src.SKU
	}
	if dst.Barcode == "" {
		dst.Barcode = src.Barcode
	}
}

func normalizePurchase(p PurchaseRecord) PurchaseRecord {
	p.Date = p.Date.UTC()
	if p.Price != nil {
		v := *p.Price
		p.Price = &v
	}
	return p
}

// FindExactSignal resolves item by SKU, barcode, then case-insensitive name.
// It returns a copy, or nil when nothing matches.
func (s *SignalStore) FindExactSignal(item ItemIdentifier) (*ItemSignal, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	i := findExact(doc.Signals, item.clean())
	if i < 0 {
		return nil, nil
	}
	sig := copySignal(doc.Signals[i])
	return &sig, nil
}

// GetSignal looks an item up by name only.
func (s *SignalStore) GetSignal(name string) (*ItemSignal, error) {
	return s.FindExactSignal(ItemIdentifier{Name: name})
}

// FindSimilarSignals returns signals whose similarity to item is at least
// threshold, most similar first. A non-positive threshold uses
// DefaultSimilarityThreshold.
func (s *SignalStore) FindSimilarSignals(item ItemIdentifier, threshold float64) ([]SimilarSignal, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	item = item.clean()

	var out []SimilarSignal
	for _, sig := range doc.Signals {
		sim := CalculateItemSimilarity(item, sig.Item)
		if sim >= threshold {
			out = append(out, SimilarSignal{Signal: copySignal(sig), Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// addPurchase applies one purchase to the document without saving.
func (s *SignalStore) addPurchase(doc *SignalsDocument, item ItemIdentifier, p PurchaseRecord, now time.Time) *ItemSignal {
	i := findExact(doc.Signals, item)
	if i < 0 {
		doc.Signals = append(doc.Signals, ItemSignal{Item: item, PurchaseHistory: []PurchaseRecord{}})
		i = len(doc.Signals) - 1
	} else {
		learnIdentifiers(&doc.Signals[i].Item, item)
	}
	sig := &doc.Signals[i]
	sig.PurchaseHistory = append(sig.PurchaseHistory, p)
	sig.UpdatedAt = now
	deriveSignal(sig)
	return sig
}

func validateEntry(item ItemIdentifier, p PurchaseRecord) error {
	if err := checkInput("item", item); err != nil {
		return err
	}
	return checkInput("purchase", p)
}

// AddPurchase records a purchase, creating the signal if the item is new.
func (s *SignalStore) AddPurchase(item ItemIdentifier, purchase PurchaseRecord) (*ItemSignal, error) {
	item = item.clean()
	if err := validateEntry(item, purchase); err != nil {
		return nil, err
	}
	var out ItemSignal
	err := s.Update(func(doc *SignalsDocument) error {
		out = copySignal(*s.addPurchase(doc, item, normalizePurchase(purchase), s.Now()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add purchase: %w", err)
	}
	return &out, nil
}

// BulkAddPurchases applies a batch of purchases with a single save. Unlike
// MergeSignal it does not skip purchases already in the history, so
// re-importing the same orders records them twice. The whole batch is
// validated before anything is applied.
func (s *SignalStore) BulkAddPurchases(entries []PurchaseEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	clean := make([]PurchaseEntry, len(entries))
	for i, e := range entries {
		item := e.Item.clean()
		if err := validateEntry(item, e.Purchase); err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		clean[i] = PurchaseEntry{Item: item, Purchase: normalizePurchase(e.Purchase)}
	}

	err := s.Update(func(doc *SignalsDocument) error {
		now := s.Now()
		for _, e := range clean {
			s.addPurchase(doc, e.Item, e.Purchase, now)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk add purchases: %w", err)
	}
	return len(clean), nil
}

func purchaseKey(p PurchaseRecord) string {
	return p.Date.UTC().Format(time.RFC3339Nano) + "|" + p.OrderID
}

// MergeSignal folds another signal for the same item into the store,
// skipping purchases whose (date, orderId) pair is already recorded.
func (s *SignalStore) MergeSignal(signal ItemSignal) (*ItemSignal, error) {
	item := signal.Item.clean()
	if err := checkInput("item", item); err != nil {
		return nil, fmt.Errorf("merge signal: %w", err)
	}
	for i, p := range signal.PurchaseHistory {
		if err := checkInput(fmt.Sprintf("purchase %d", i), p); err != nil {
			return nil, fmt.Errorf("merge signal: %w", err)
		}
	}

	var out ItemSignal
	err := s.Update(func(doc *SignalsDocument) error {
		i := findExact(doc.Signals, item)
		if i < 0 {
			doc.Signals = append(doc.Signals, ItemSignal{Item: item, PurchaseHistory: []PurchaseRecord{}})
			i = len(doc.Signals) - 1
		} else {
			learnIdentifiers(&doc.Signals[i].Item, item)
		}
		sig := &doc.Signals[i]

		seen := make(map[string]bool, len(sig.PurchaseHistory))
		for _, p := range sig.PurchaseHistory {
			seen[purchaseKey(p)] = true
		}
		for _, p := range signal.PurchaseHistory {
			k := purchaseKey(p)
			if seen[k] {
				continue
			}
			seen[k] = true
			sig.PurchaseHistory = append(sig.PurchaseHistory, normalizePurchase(p))
		}
		if sig.PreferredVariant == "" {
			sig.PreferredVariant = signal.PreferredVariant
		}
		sig.UpdatedAt = s.Now()
		deriveSignal(sig)
		out = copySignal(*sig)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge signal: %w", err)
	}
	return &out, nil
}

// CleanupOldPurchases keeps only the keepCount newest purchases of every
// signal and returns how many records were dropped.
func (s *SignalStore) CleanupOldPurchases(keepCount int) (int, error) {
	if keepCount < 1 {
		return 0, fmt.Errorf("cleanup: %w: keepCount must be >= 1, got %d", ErrInvalid, keepCount)
	}
	doc, err := s.Doc()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := s.Now()
	for i := range doc.Signals {
		sig := &doc.Signals[i]
		if len(sig.PurchaseHistory) <= keepCount {
			continue
		}
		removed += len(sig.PurchaseHistory) - keepCount
		sig.PurchaseHistory = sig.PurchaseHistory[:keepCount:keepCount]
		sig.UpdatedAt = now
		deriveSignal(sig)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.Save(); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return removed, nil
}

// SetPreferredVariant annotates a known item with the variant the household
// prefers.
func (s *SignalStore) SetPreferredVariant(item ItemIdentifier, variant string) error {
	return s.Update(func(doc *SignalsDocument) error {
		i := findExact(doc.Signals, item.clean())
		if i < 0 {
			return fmt.Errorf("set preferred variant for %q: %w", item.Name, ErrNotFound)
		}
		doc.Signals[i].PreferredVariant = variant
		doc.Signals[i].UpdatedAt = s.Now()
		return nil
	})
}

// RemoveSignal deletes an item and its history.
func (s *SignalStore) RemoveSignal(item ItemIdentifier) error {
	return s.Update(func(doc *SignalsDocument) error {
		i := findExact(doc.Signals, item.clean())
		if i < 0 {
			return fmt.Errorf("remove signal %q: %w", item.Name, ErrNotFound)
		}
		doc.Signals = append(doc.Signals[:i], doc.Signals[i+1:]...)
		return nil
	})
}

// ListSignals returns copies of every signal in insertion order.
func (s *SignalStore) ListSignals() ([]ItemSignal, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	out := make([]ItemSignal, len(doc.Signals))
	for i, sig := range doc.Signals {
		out[i] = copySignal(sig)
	}
	return out, nil
}

// FrequentItems returns the most often purchased items. limit <= 0 returns
// all of them.
func (s *SignalStore) FrequentItems(limit int) ([]ItemSignal, error) {
	all, err := s.ListSignals()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if len(all[i].PurchaseHistory) != len(all[j].PurchaseHistory) {
			return len(all[i].PurchaseHistory) > len(all[j].PurchaseHistory)
		}
		return lastPurchased(all[i]).After(lastPurchased(all[j]))
	})
	return head(all, limit), nil
}

// RecentItems returns items ordered by most recent purchase.
func (s *SignalStore) RecentItems(limit int) ([]ItemSignal, error) {
	all, err := s.ListSignals()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return lastPurchased(all[i]).After(lastPurchased(all[j]))
	})
	return head(all, limit), nil
}

// AllPurchases flattens every signal's history into purchase entries.
func (s *SignalStore) AllPurchases() ([]PurchaseEntry, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	var out []PurchaseEntry
	for _, sig := range doc.Signals {
		for _, p := range sig.PurchaseHistory {
			out = append(out, PurchaseEntry{Item: sig.Item, Purchase: p})
		}
	}
	return out, nil
}

func lastPurchased(sig ItemSignal) time.Time {
	if sig.LastPurchasedAt == nil {
		return time.Time{}
	}
	return *sig.LastPurchasedAt
}

func head[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[:limit]
	}
	return xs
}
