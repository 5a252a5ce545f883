// Package validation checks configuration structs and admin API input and
// reports failures as INVALID_INPUT errors listing every bad field.
//
// Struct tags go through go-playground/validator, with an extra "gbid" rule:
//
//	KnownGbids []string `validate:"required,min=1,unique,dive,gbid"`
//	err := validation.Validate(cfg)
//
// Query parameters are checked by hand:
//
//	err := validation.New().Required("interface", name).Unique("domain", domains).Err()
package validation
