package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned when a category label cannot be mapped.
var ErrUnknownCategory = errors.New("ledger: unknown category")

// Category is the closed set of spending categories.
type Category string

const (
	CategoryDining        Category = "dining"
	CategoryTransport     Category = "transport"
	CategoryShopping      Category = "shopping"
	CategoryHealthcare    Category = "healthcare"
	CategoryEntertainment Category = "entertainment"
	CategoryEducation     Category = "education"
	CategoryOther         Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryDining,
	CategoryTransport,
	CategoryShopping,
	CategoryHealthcare,
	CategoryEntertainment,
	CategoryEducation,
	CategoryOther,
}

// bill extraction emits the Chinese labels
var localizedCategories = map[string]Category{
	"餐饮": CategoryDining,
	"交通": CategoryTransport,
	"购物": CategoryShopping,
	"医疗": CategoryHealthcare,
	"娱乐": CategoryEntertainment,
	"教育": CategoryEducation,
	"其他": CategoryOther,
}

// ParseCategory maps an English or localized label onto a Category.
func ParseCategory(label string) (Category, error) {
	trimmed := strings.TrimSpace(label)
	if c, ok := localizedCategories[trimmed]; ok {
		return c, nil
	}
	c := Category(strings.ToLower(trimmed))
	if c.Valid() {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, label)
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDining, CategoryTransport, CategoryShopping, CategoryHealthcare,
		CategoryEntertainment, CategoryEducation, CategoryOther:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}
