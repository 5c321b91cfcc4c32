package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of content categories. It is set once per
// record and never changes afterwards.
type Category string

const (
	CategoryTravel        Category = "Travel"
	CategoryFood          Category = "Food"
	CategoryLearning      Category = "Learning"
	CategoryCareer        Category = "Career"
	CategoryFitness       Category = "Fitness"
	CategoryEntertainment Category = "Entertainment"
	CategoryShopping      Category = "Shopping"
	CategoryTech          Category = "Tech"
	CategoryLifestyle     Category = "Lifestyle"
	CategoryMisc          Category = "Misc"
)

var allCategories = []Category{
	CategoryTravel, CategoryFood, CategoryLearning, CategoryCareer, CategoryFitness,
	CategoryEntertainment, CategoryShopping, CategoryTech, CategoryLifestyle, CategoryMisc,
}

// AllCategories returns the closed set in display order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory matches s case-insensitively against the closed set.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for _, c := range allCategories {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return "", false
}

// IsValid reports whether c is exactly one of the closed set.
func (c Category) IsValid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Intent is the user intent inferred by classification.
type Intent string

const (
	IntentLearn Intent = "learn"
	IntentVisit Intent = "visit"
	IntentBuy   Intent = "buy"
	IntentTry   Intent = "try"
	IntentWatch Intent = "watch"
	IntentMisc  Intent = "misc"
)

// ParseIntent returns IntentMisc for anything outside the known set.
func ParseIntent(s string) Intent {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case IntentLearn, IntentVisit, IntentBuy, IntentTry, IntentWatch:
		return i
	default:
		return IntentMisc
	}
}

// StringList is a []string stored as a JSONB array.
type StringList []string

// Value implements driver.Valuer as JSON text. Nil encodes as [].
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("string list: unsupported scan type")
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	*l = out
	return nil
}
