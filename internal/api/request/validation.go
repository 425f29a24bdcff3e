package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Decode parses a JSON request body into v and runs struct-tag
// validation over the result.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// DecodeSlice parses a JSON array body into v and runs struct-tag
// validation over each element, for endpoints whose body is a bare
// array rather than an object (validator.Struct only accepts structs).
func DecodeSlice[T any](r *http.Request, v *[]T) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Var(*v, "dive"); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}
