package memory

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lazypower/pantry/internal/scoring"
	"github.com/lazypower/pantry/internal/store"
)

const preferencesVersion = 1

type BrandPreference struct {
	Brand  string `json:"brand" validate:"required"`
	Stance string `json:"stance" validate:"oneof=preferred avoid neutral"`
}

type Budget struct {
	WeeklyLimit                       *float64 `json:"weeklyLimit,omitempty" validate:"omitempty,gte=0"`
	MaxSubstitutePriceIncreasePercent *float64 `json:"maxSubstitutePriceIncreasePercent,omitempty" validate:"omitempty,gte=0"`
}

type DeliveryPreferences struct {
	// PreferredDays are lowercase English weekday names.
	PreferredDays   []string `json:"preferredDays" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	WindowStart     string   `json:"windowStart,omitempty" validate:"omitempty,datetime=15:04"`
	WindowEnd       string   `json:"windowEnd,omitempty" validate:"omitempty,datetime=15:04"`
	MaxDeliveryCost *float64 `json:"maxDeliveryCost,omitempty" validate:"omitempty,gte=0"`
}

// HouseholdPreferences is the household's standing configuration.
type HouseholdPreferences struct {
	DietaryRestrictions []string            `json:"dietaryRestrictions"`
	Allergies           []string            `json:"allergies"`
	BrandPreferences    []BrandPreference   `json:"brandPreferences" validate:"dive"`
	Budget              Budget              `json:"budget"`
	Delivery            DeliveryPreferences `json:"delivery"`
	Notes               string              `json:"notes,omitempty"`
}

// Weekdays converts the preferred delivery day names.
func (p HouseholdPreferences) Weekdays() []time.Weekday {
	var out []time.Weekday
	for _, name := range p.Delivery.PreferredDays {
		for d := time.Sunday; d <= time.Saturday; d++ {
			if strings.EqualFold(d.String(), name) {
				out = append(out, d)
			}
		}
	}
	return out
}

func (p HouseholdPreferences) clone() HouseholdPreferences {
	p.DietaryRestrictions = slices.Clone(p.DietaryRestrictions)
	p.Allergies = slices.Clone(p.Allergies)
	p.BrandPreferences = slices.Clone(p.BrandPreferences)
	p.Delivery.PreferredDays = slices.Clone(p.Delivery.PreferredDays)
	p.Budget.WeeklyLimit = copyFloat(p.Budget.WeeklyLimit)
	p.Budget.MaxSubstitutePriceIncreasePercent = copyFloat(p.Budget.MaxSubstitutePriceIncreasePercent)
	p.Delivery.MaxDeliveryCost = copyFloat(p.Delivery.MaxDeliveryCost)
	return p
}

func (p *HouseholdPreferences) normalize() {
	if p.DietaryRestrictions == nil {
		p.DietaryRestrictions = []string{}
	}
	if p.Allergies == nil {
		p.Allergies = []string{}
	}
	if p.BrandPreferences == nil {
		p.BrandPreferences = []BrandPreference{}
	}
	if p.Delivery.PreferredDays == nil {
		p.Delivery.PreferredDays = []string{}
	}
	for i, d := range p.Delivery.PreferredDays {
		p.Delivery.PreferredDays[i] = strings.ToLower(strings.TrimSpace(d))
	}
}

// PreferencesDocument is persisted as preferences.json.
type PreferencesDocument struct {
	store.Meta
	HouseholdPreferences
}

var PreferencesSchema = store.Schema[*PreferencesDocument]{
	Name:     "preferences",
	FileName: "preferences.json",
	Version:  preferencesVersion,
	New: func(householdID string) *PreferencesDocument {
		doc := &PreferencesDocument{Meta: store.Meta{Version: preferencesVersion, HouseholdID: householdID}}
		doc.normalize()
		return doc
	},
	Check: func(doc *PreferencesDocument) error {
		seen := map[string]bool{}
		for i, b := range doc.BrandPreferences {
			k := Fold(b.Brand)
			if seen[k] {
				return store.Violation(fmt.Sprintf("brandPreferences[%d].brand", i), "duplicate brand %q", b.Brand)
			}
			seen[k] = true
		}
		return nil
	},
	Normalize: func(doc *PreferencesDocument) { doc.normalize() },
}

// PreferencesStore holds the household's preferences document.
type PreferencesStore struct {
	*store.Store[*PreferencesDocument]
}

func NewPreferencesStore(b store.Backend, householdID string, opts ...store.Option) *PreferencesStore {
	return &PreferencesStore{store.New(b, householdID, PreferencesSchema, opts...)}
}

// Get returns a copy of the preferences.
func (s *PreferencesStore) Get() (HouseholdPreferences, error) {
	doc, err := s.Doc()
	if err != nil {
		return HouseholdPreferences{}, err
	}
	return doc.HouseholdPreferences.clone(), nil
}

// Update applies fn to a copy of the preferences and saves it if the result
// is valid. On error nothing changes.
func (s *PreferencesStore) Update(fn func(p *HouseholdPreferences) error) (HouseholdPreferences, error) {
	doc, err := s.Doc()
	if err != nil {
		return HouseholdPreferences{}, err
	}
	next := doc.HouseholdPreferences.clone()
	if err := fn(&next); err != nil {
		return HouseholdPreferences{}, err
	}
	next.normalize()
	if err := checkInput("preferences", next); err != nil {
		return HouseholdPreferences{}, err
	}
	candidate := *doc
	candidate.HouseholdPreferences = next
	if err := PreferencesSchema.Check(&candidate); err != nil {
		return HouseholdPreferences{}, fmt.Errorf("preferences: %w: %v", ErrInvalid, err)
	}

	prev := doc.HouseholdPreferences
	doc.HouseholdPreferences = next
	if err := s.Save(); err != nil {
		doc.HouseholdPreferences = prev
		return HouseholdPreferences{}, fmt.Errorf("update preferences: %w", err)
	}
	return next.clone(), nil
}

// SetBrandStance records how the household feels about a brand. Neutral
// removes the entry.
func (s *PreferencesStore) SetBrandStance(brand, stance string) error {
	brand = strings.Join(strings.Fields(brand), " ")
	if brand == "" {
		return fmt.Errorf("set brand stance: %w: brand is required", ErrInvalid)
	}
	switch stance {
	case scoring.StancePreferred, scoring.StanceAvoid, scoring.StanceNeutral:
	default:
		return fmt.Errorf("set brand stance: %w: unknown stance %q", ErrInvalid, stance)
	}
	_, err := s.Update(func(p *HouseholdPreferences) error {
		k := Fold(brand)
		p.BrandPreferences = slices.DeleteFunc(p.BrandPreferences, func(b BrandPreference) bool {
			return Fold(b.Brand) == k
		})
		if stance != scoring.StanceNeutral {
			p.BrandPreferences = append(p.BrandPreferences, BrandPreference{Brand: brand, Stance: stance})
		}
		return nil
	})
	return err
}

// BrandStance returns the stance for a brand, matched against the folded
// brand or the folded first word of a product name. Unknown brands are
// neutral.
func (p HouseholdPreferences) BrandStance(brandOrProduct string) string {
	folded := Fold(brandOrProduct)
	token := BrandToken(brandOrProduct)
	for _, b := range p.BrandPreferences {
		k := Fold(b.Brand)
		if k == folded || k == token || strings.HasPrefix(folded, k+" ") {
			return b.Stance
		}
	}
	return scoring.StanceNeutral
}

// BrandStance looks a brand up in the stored preferences.
func (s *PreferencesStore) BrandStance(brand string) (string, error) {
	p, err := s.Get()
	if err != nil {
		return "", err
	}
	return p.BrandStance(brand), nil
}
