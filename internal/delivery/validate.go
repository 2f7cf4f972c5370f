package delivery

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator(eventTypes []string) *validator.Validate {
	allowed := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = struct{}{}
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		_, ok := allowed[fl.Field().String()]
		return ok
	})
	return v
}
