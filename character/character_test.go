package character

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCharacter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      Character
		wantErr error
	}{
		{"valid", sample(), nil},
		{"empty strings are fine", Character{Age: 1}, nil},
		{"zero age", Character{Name: "a", Age: 0}, ErrInvalidAge},
		{"delimiter in name", Character{Name: "a\r\nb", Age: 1}, ErrDelimiterInField},
		{"delimiter in bio", Character{Bio: "x\r\n", Age: 1}, ErrDelimiterInField},
		{"lone carriage return is allowed", Character{Bio: "a\rb\nc", Age: 1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCharacter_ValidateNamesField(t *testing.T) {
	err := Character{Surname: "\r\n", Age: 3}.Validate()
	assert.ErrorContains(t, err, "surname")
}
