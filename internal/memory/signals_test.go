package memory

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/pantry/internal/store"
)

func TestAddPurchaseDerivesFields(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	milk := ItemIdentifier{Name: "Milk", Category: "Dairy"}

	_, err := s.AddPurchase(milk, PurchaseRecord{Date: day("2026-02-01"), Quantity: 2, Price: price(1.10)})
	require.NoError(t, err)
	_, err = s.AddPurchase(milk, PurchaseRecord{Date: day("2026-03-03"), Quantity: 1, Price: price(1.30)})
	require.NoError(t, err)
	// Older purchase arrives last; history must still be newest first.
	sig, err := s.AddPurchase(ItemIdentifier{Name: "milk"}, PurchaseRecord{Date: day("2026-01-02"), Quantity: 3})
	require.NoError(t, err)

	require.Len(t, sig.PurchaseHistory, 3)
	assert.Equal(t, day("2026-03-03"), sig.PurchaseHistory[0].Date)
	assert.Equal(t, day("2026-02-01"), sig.PurchaseHistory[1].Date)
	assert.Equal(t, day("2026-01-02"), sig.PurchaseHistory[2].Date)

	require.NotNil(t, sig.AverageQuantity)
	assert.InDelta(t, 2.0, *sig.AverageQuantity, 1e-12)
	require.NotNil(t, sig.TypicalPrice)
	assert.InDelta(t, 1.20, *sig.TypicalPrice, 1e-12)
	require.NotNil(t, sig.LastPurchasedAt)
	assert.Equal(t, day("2026-03-03"), *sig.LastPurchasedAt)
	// 3 purchases over 60 days = 1.5 per 30 days.
	require.NotNil(t, sig.PurchaseFrequency)
	assert.InDelta(t, 1.5, *sig.PurchaseFrequency, 1e-12)
	assert.Equal(t, f.clock.Now(), sig.UpdatedAt)
}

func TestDeriveSignalEdgeCases(t *testing.T) {
	single := ItemSignal{PurchaseHistory: []PurchaseRecord{{Date: day("2026-01-01"), Quantity: 1}}}
	deriveSignal(&single)
	assert.Nil(t, single.PurchaseFrequency, "one record has no frequency")
	assert.Nil(t, single.TypicalPrice, "no prices means no typical price")

	sameDay := ItemSignal{PurchaseHistory: []PurchaseRecord{
		{Date: day("2026-01-01"), Quantity: 1},
		{Date: day("2026-01-01"), Quantity: 1},
	}}
	deriveSignal(&sameDay)
	assert.Nil(t, sameDay.PurchaseFrequency, "zero span has no frequency")

	// Median of the five most recent prices only: 1,2,3,4,5 (the old 100 is ignored).
	var h []PurchaseRecord
	for i, p := range []float64{5, 4, 3, 2, 1, 100} {
		h = append(h, PurchaseRecord{Date: day("2026-01-20").AddDate(0, 0, -i), Quantity: 1, Price: price(p)})
	}
	sig := ItemSignal{PurchaseHistory: h}
	deriveSignal(&sig)
	require.NotNil(t, sig.TypicalPrice)
	assert.Equal(t, 3.0, *sig.TypicalPrice)
}

func TestFindExactSignalPriority(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	_, err := s.AddPurchase(ItemIdentifier{Name: "Milk", SKU: "111"}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 1})
	require.NoError(t, err)
	_, err = s.AddPurchase(ItemIdentifier{Name: "Whole Milk", Barcode: "999"}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 1})
	require.NoError(t, err)

	got, err := s.FindExactSignal(ItemIdentifier{Name: "whole milk", SKU: "111"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Milk", got.Item.Name, "SKU beats name")

	got, _ = s.FindExactSignal(ItemIdentifier{Name: "something", Barcode: "999"})
	require.NotNil(t, got)
	assert.Equal(t, "Whole Milk", got.Item.Name)

	got, _ = s.FindExactSignal(ItemIdentifier{Name: "  MILK "})
	require.NotNil(t, got)
	assert.Equal(t, "Milk", got.Item.Name)

	got, err = s.FindExactSignal(ItemIdentifier{Name: "Bread"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAddPurchaseLearnsIdentifiers(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	_, err := s.AddPurchase(ItemIdentifier{Name: "Eggs"}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 12})
	require.NoError(t, err)
	sig, err := s.AddPurchase(ItemIdentifier{Name: "eggs", SKU: "E1", Barcode: "560", Category: "Dairy"}, PurchaseRecord{Date: day("2026-01-08"), Quantity: 6})
	require.NoError(t, err)

	assert.Equal(t, "Eggs", sig.Item.Name, "name is never rewritten")
	assert.Equal(t, "E1", sig.Item.SKU)
	assert.Equal(t, "560", sig.Item.Barcode)
	assert.Empty(t, sig.Item.Category, "only sku and barcode are learned")
	assert.Len(t, sig.PurchaseHistory, 2)

	all, _ := s.ListSignals()
	assert.Len(t, all, 1)
}

func TestAddPurchaseRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals

	_, err := s.AddPurchase(ItemIdentifier{Name: " "}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.AddPurchase(ItemIdentifier{Name: "Milk"}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.AddPurchase(ItemIdentifier{Name: "Milk"}, PurchaseRecord{Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalid)

	all, err := s.ListSignals()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFindSimilarSignals(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	for _, name := range []string{"Leite Mimosa 1L", "Leite Mimosa Magro 1L", "Detergente Skip"} {
		_, err := s.AddPurchase(ItemIdentifier{Name: name}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 1})
		require.NoError(t, err)
	}

	got, err := s.FindSimilarSignals(ItemIdentifier{Name: "leite mimosa 1l"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Leite Mimosa 1L", got[0].Signal.Item.Name)
	assert.Equal(t, 1.0, got[0].Similarity)
	assert.Equal(t, "Leite Mimosa Magro 1L", got[1].Signal.Item.Name)
	assert.GreaterOrEqual(t, got[1].Similarity, DefaultSimilarityThreshold)

	none, err := s.FindSimilarSignals(ItemIdentifier{Name: "Pão"}, 0.9)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMergeSignalDeduplicates(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	rice := ItemIdentifier{Name: "Rice"}
	_, err := s.AddPurchase(rice, PurchaseRecord{Date: day("2026-01-01"), Quantity: 1, OrderID: "o1"})
	require.NoError(t, err)

	merged, err := s.MergeSignal(ItemSignal{
		Item: ItemIdentifier{Name: "RICE", SKU: "R1"},
		PurchaseHistory: []PurchaseRecord{
			{Date: day("2026-01-01"), Quantity: 1, OrderID: "o1"},
			{Date: day("2026-01-01"), Quantity: 1, OrderID: "o2"},
			{Date: day("2026-02-01"), Quantity: 2, OrderID: "o3"},
		},
		PreferredVariant: "basmati",
	})
	require.NoError(t, err)
	assert.Len(t, merged.PurchaseHistory, 3)
	assert.Equal(t, "R1", merged.Item.SKU)
	assert.Equal(t, "basmati", merged.PreferredVariant)

	created, err := s.MergeSignal(ItemSignal{
		Item:            ItemIdentifier{Name: "Beans"},
		PurchaseHistory: []PurchaseRecord{{Date: day("2026-01-05"), Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Len(t, created.PurchaseHistory, 1)
}

func TestBulkAddPurchasesDoesNotDeduplicate(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	entries := []PurchaseEntry{
		{Item: ItemIdentifier{Name: "Milk"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: 1, OrderID: "o1"}},
		{Item: ItemIdentifier{Name: "Bread"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: 1, OrderID: "o1"}},
	}

	n, err := s.BulkAddPurchases(entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.BulkAddPurchases(entries)
	require.NoError(t, err)

	milk, _ := s.GetSignal("milk")
	require.NotNil(t, milk)
	assert.Len(t, milk.PurchaseHistory, 2, "re-importing the same order appends again")
}

func TestBulkAddPurchasesValidatesWholeBatch(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	_, err := s.BulkAddPurchases([]PurchaseEntry{
		{Item: ItemIdentifier{Name: "Milk"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: 1}},
		{Item: ItemIdentifier{Name: "Bad"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: -1}},
	})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "entry 1")

	all, _ := s.ListSignals()
	assert.Empty(t, all)
}

func TestCleanupOldPurchases(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	var entries []PurchaseEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, PurchaseEntry{
			Item:     ItemIdentifier{Name: "Coffee"},
			Purchase: PurchaseRecord{Date: day("2026-01-01").AddDate(0, 0, 7*i), Quantity: float64(i + 1)},
		})
	}
	entries = append(entries, PurchaseEntry{Item: ItemIdentifier{Name: "Tea"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: 1}})
	_, err := s.BulkAddPurchases(entries)
	require.NoError(t, err)

	removed, err := s.CleanupOldPurchases(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	coffee, _ := f.reopen(t).Signals.GetSignal("coffee")
	require.NotNil(t, coffee)
	require.Len(t, coffee.PurchaseHistory, 2)
	assert.Equal(t, day("2026-01-29"), coffee.PurchaseHistory[0].Date)
	assert.InDelta(t, 4.5, *coffee.AverageQuantity, 1e-12)

	_, err = s.CleanupOldPurchases(0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFrequentAndRecentItems(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	add := func(name, date string) {
		_, err := s.AddPurchase(ItemIdentifier{Name: name}, PurchaseRecord{Date: day(date), Quantity: 1})
		require.NoError(t, err)
	}
	add("Milk", "2026-01-01")
	add("Milk", "2026-01-08")
	add("Milk", "2026-01-15")
	add("Bread", "2026-01-20")
	add("Bread", "2026-01-10")
	add("Salt", "2026-02-01")

	freq, err := s.FrequentItems(2)
	require.NoError(t, err)
	require.Len(t, freq, 2)
	assert.Equal(t, "Milk", freq[0].Item.Name)
	assert.Equal(t, "Bread", freq[1].Item.Name)

	recent, err := s.RecentItems(0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"Salt", "Bread", "Milk"}, []string{recent[0].Item.Name, recent[1].Item.Name, recent[2].Item.Name})
}

func TestSetPreferredVariantAndRemove(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	_, err := s.AddPurchase(ItemIdentifier{Name: "Yogurt"}, PurchaseRecord{Date: day("2026-01-01"), Quantity: 4})
	require.NoError(t, err)

	require.NoError(t, s.SetPreferredVariant(ItemIdentifier{Name: "yogurt"}, "greek"))
	sig, _ := s.GetSignal("Yogurt")
	assert.Equal(t, "greek", sig.PreferredVariant)

	assert.ErrorIs(t, s.SetPreferredVariant(ItemIdentifier{Name: "Kefir"}, "plain"), ErrNotFound)
	assert.ErrorIs(t, s.RemoveSignal(ItemIdentifier{Name: "Kefir"}), ErrNotFound)

	require.NoError(t, s.RemoveSignal(ItemIdentifier{Name: "YOGURT"}))
	sig, err = s.GetSignal("Yogurt")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestSignalsRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.hh.Signals.BulkAddPurchases([]PurchaseEntry{
		{Item: ItemIdentifier{Name: "Milk", SKU: "1"}, Purchase: PurchaseRecord{Date: day("2026-01-01"), Quantity: 1, Price: price(0.99), OrderID: "a"}},
		{Item: ItemIdentifier{Name: "Milk"}, Purchase: PurchaseRecord{Date: day("2026-01-09"), Quantity: 2, OrderID: "b"}},
		{Item: ItemIdentifier{Name: "Oil"}, Purchase: PurchaseRecord{Date: day("2026-01-03"), Quantity: 1, Price: price(3.5)}},
	})
	require.NoError(t, err)
	saved, err := f.hh.Signals.Doc()
	require.NoError(t, err)

	loaded, err := f.reopen(t).Signals.Doc()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestSignalsMigrateFromVersion1(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, "item-signals.json", `{
		"version": 1,
		"householdId": "home-1",
		"signals": [{
			"item": {"name": "Flour"},
			"history": [
				{"date": "2026-01-01T00:00:00Z", "quantity": 1},
				{"date": "2026-02-01T00:00:00Z", "quantity": 2}
			],
			"averageQuantity": 99
		}]
	}`)

	sig, err := f.hh.Signals.GetSignal("flour")
	require.NoError(t, err)
	require.NotNil(t, sig)
	require.Len(t, sig.PurchaseHistory, 2)
	assert.Equal(t, day("2026-02-01"), sig.PurchaseHistory[0].Date, "sorted on load")
	assert.InDelta(t, 1.5, *sig.AverageQuantity, 1e-12, "derived fields recomputed on load")

	raw, err := f.backend.Read(store.Key{HouseholdID: "home-1", Name: "item-signals.json"})
	require.NoError(t, err)
	var onDisk struct {
		Version int `json:"version"`
		Signals []map[string]json.RawMessage
	}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, 2, onDisk.Version)
	assert.Contains(t, onDisk.Signals[0], "purchaseHistory")
	assert.NotContains(t, onDisk.Signals[0], "history")
}

func TestSignalsSchemaViolation(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t, "item-signals.json", `{
		"version": 2,
		"householdId": "home-1",
		"signals": [{"item": {"name": "Flour"}, "purchaseHistory": [{"date": "2026-01-01T00:00:00Z", "quantity": 0}]}]
	}`)

	_, err := f.hh.Signals.ListSignals()
	var se *store.SchemaError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "signals[0].purchaseHistory[0].quantity", se.Field)
	assert.Equal(t, "item-signals", se.Store)
}

func TestPurchaseDatesStoredInUTC(t *testing.T) {
	f := newFixture(t)
	s := f.hh.Signals
	_, err := s.AddPurchase(ItemIdentifier{Name: "Soap"}, PurchaseRecord{Date: time.Date(2026, 1, 1, 23, 0, 0, 0, time.FixedZone("X", -5*3600)), Quantity: 1})
	require.NoError(t, err)
	sig, _ := s.GetSignal("soap")
	assert.Equal(t, time.UTC, sig.PurchaseHistory[0].Date.Location(), "dates are stored in UTC")
	assert.Equal(t, day("2026-01-02").Add(4*time.Hour), sig.PurchaseHistory[0].Date)
}
