package models

import (
	"github.com/dukex/flowrun/pkg/cron"
	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that also understands the "cron" tag,
// which accepts any five-field expression pkg/cron can parse.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for an empty tag or a nil function.
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.Parse(fl.Field().String())

		return err == nil
	})

	return v
}
