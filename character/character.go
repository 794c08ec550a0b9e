// Package character defines the record served by the character server and
// its fixed binary encoding.
//
// All fixed-width integers are little-endian. A record is encoded as
//
//	id:int32 | len(name):uint32 name | len(surname):uint32 surname | age:uint8 | len(bio):uint32 bio
//
// and a list of records as
//
//	count:uint32 | { size:uint32 record[size] } * count
//
// so every list element can be re-parsed on its own.
package character

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Character is a single stored record. ID is assigned by the store on
// insertion and is zero before that.
type Character struct {
	ID      int32  `json:"id"`
	Name    string `json:"name" validate:"nocrlf"`
	Surname string `json:"surname" validate:"nocrlf"`
	Age     uint8  `json:"age" validate:"min=1"`
	Bio     string `json:"bio" validate:"nocrlf"`
}

var (
	// ErrInvalidAge is returned by Validate when Age is zero.
	ErrInvalidAge = errors.New("character: age must be at least 1")

	// ErrDelimiterInField is returned by Validate when a string field holds
	// the two-byte frame delimiter, which would break request framing.
	ErrDelimiterInField = errors.New("character: field contains \\r\\n")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nocrlf", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), "\r\n")
	})
	return v
}

// Validate checks the invariants a record must hold before it is stored.
//
// Returns:
//   - nil if the record is valid
//   - An error wrapping ErrInvalidAge or ErrDelimiterInField otherwise
func (c Character) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("character: validation failed: %w", err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "min":
		return fmt.Errorf("%w (got %v)", ErrInvalidAge, fe.Value())
	case "nocrlf":
		return fmt.Errorf("%w: %s", ErrDelimiterInField, strings.ToLower(fe.Field()))
	default:
		return fmt.Errorf("character: %s failed %q", fe.Field(), fe.Tag())
	}
}

// String renders the record for logs and the command line client.
func (c Character) String() string {
	return fmt.Sprintf("#%d %s %s (%d)", c.ID, c.Name, c.Surname, c.Age)
}
