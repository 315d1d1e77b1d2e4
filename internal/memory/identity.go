package memory

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultSimilarityThreshold is the minimum similarity for FindSimilarSignals.
const DefaultSimilarityThreshold = 0.7

// categoryMatchScore is the similarity contributed by an exact category match.
const categoryMatchScore = 0.8

// ItemIdentifier names a product. Name is always present; SKU and barcode are
// learned when a store reports them.
type ItemIdentifier struct {
	Name     string `json:"name" validate:"required"`
	SKU      string `json:"sku,omitempty"`
	Barcode  string `json:"barcode,omitempty"`
	Category string `json:"category,omitempty"`
}

// Fold normalizes a name for case-insensitive comparison: NFC, Unicode case
// folding, trimmed, inner whitespace collapsed.
func Fold(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(norm.NFC.String(s))
}

// BrandToken is the folded first word of a product name. A heuristic, not a
// brand database.
func BrandToken(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return Fold(fields[0])
}

// clean trims every field of an identifier.
func (id ItemIdentifier) clean() ItemIdentifier {
	return ItemIdentifier{
		Name:     strings.Join(strings.Fields(id.Name), " "),
		SKU:      strings.TrimSpace(id.SKU),
		Barcode:  strings.TrimSpace(id.Barcode),
		Category: strings.Join(strings.Fields(id.Category), " "),
	}
}

// Key is the folded name, used to key per-item maps.
func (id ItemIdentifier) Key() string { return Fold(id.Name) }

// matchLevel reports how two identifiers resolve to the same item:
// 3 for SKU, 2 for barcode, 1 for folded name, 0 for no exact match.
func matchLevel(a, b ItemIdentifier) int {
	switch {
	case a.SKU != "" && a.SKU == b.SKU:
		return 3
	case a.Barcode != "" && a.Barcode == b.Barcode:
		return 2
	case a.Name != "" && Fold(a.Name) == Fold(b.Name):
		return 1
	}
	return 0
}

// CalculateItemSimilarity scores two identifiers in [0,1] as the mean of the
// factors present on both sides: SKU and barcode (1 on match, else 0), name
// (character-order overlap) and category (0.8 on match, else 0). With no
// shared factor the result is 0. Symmetric in its arguments.
func CalculateItemSimilarity(a, b ItemIdentifier) float64 {
	var sum float64
	var n int

	if a.SKU != "" && b.SKU != "" {
		n++
		if a.SKU == b.SKU {
			sum++
		}
	}
	if a.Barcode != "" && b.Barcode != "" {
		n++
		if a.Barcode == b.Barcode {
			sum++
		}
	}
	if an, bn := Fold(a.Name), Fold(b.Name); an != "" && bn != "" {
		n++
		sum += nameOverlap(an, bn)
	}
	if ac, bc := Fold(a.Category), Fold(b.Category); ac != "" && bc != "" {
		n++
		if ac == bc {
			sum += categoryMatchScore
		}
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// nameOverlap walks the shorter name left to right, greedily matching each
// character at or after the previous match in the longer one, and divides the
// match count by the longer length. Equal-length names are ordered
// lexicographically so the result does not depend on argument order.
func nameOverlap(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) || (len(short) == len(long) && a > b) {
		short, long = long, short
	}
	if len(long) == 0 {
		return 0
	}

	matched, j := 0, 0
	for _, r := range short {
		for k := j; k < len(long); k++ {
			if long[k] == r {
				matched++
				j = k + 1
				break
			}
		}
	}
	return float64(matched) / float64(len(long))
}
