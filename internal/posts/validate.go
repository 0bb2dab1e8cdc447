package posts

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Iriptembl/allin/internal/models"
)

// Limits bounds the size of a post. Zero means unbounded.
type Limits struct {
	MaxTitle int
	MaxText  int
}

// errNUL is reported for fields Postgres TEXT cannot store.
var errNUL = errors.New("must not contain NUL characters")

// Validate checks that both fields are non-blank, within the limits and
// free of NUL characters.
// It returns validation.Errors keyed by JSON field name, or nil.
func (l Limits) Validate(p models.NewPost) error {
	return validation.Errors{
		"title": validation.Validate(strings.TrimSpace(p.Title), fieldRules(l.MaxTitle)...),
		"text":  validation.Validate(strings.TrimSpace(p.Text), fieldRules(l.MaxText)...),
	}.Filter()
}

func fieldRules(max int) []validation.Rule {
	rules := []validation.Rule{validation.Required, validation.By(noNUL)}
	if max > 0 {
		rules = append(rules, validation.RuneLength(1, max))
	}
	return rules
}

func noNUL(value interface{}) error {
	s, _ := value.(string)
	if strings.ContainsRune(s, 0) {
		return errNUL
	}
	return nil
}
