package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	MaxCityNameLen    = 255
	MaxCountryCodeLen = 10
)

var (
	ErrCityNameEmpty        = errors.New("city name is required")
	ErrCityNameTooLong      = errors.New("city name too long")
	ErrCityNameInvalidChars = errors.New("city name contains invalid characters")
	ErrCountryCodeTooLong   = errors.New("country code too long")
	ErrCountryCodeInvalid   = errors.New("country code must contain letters only")
)

var validate = validator.New()

// CreateCityInput is the create-city request body.
type CreateCityInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	CountryCode string `json:"countryCode,omitempty" validate:"omitempty,max=10,alpha"`
}

// ValidateCreateCity trims the input and checks both fields. The returned
// error wraps one of the package sentinels.
func ValidateCreateCity(in CreateCityInput) (CreateCityInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.CountryCode = strings.ToUpper(strings.TrimSpace(in.CountryCode))

	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return CreateCityInput{}, mapFieldError(fieldErrs[0])
		}
		return CreateCityInput{}, err
	}
	if !validNameRunes(in.Name) {
		return CreateCityInput{}, ErrCityNameInvalidChars
	}
	return in, nil
}

// ValidateCityName validates a city name taken from a request path.
func ValidateCityName(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityNameEmpty
	}
	if err := validate.Var(s, "max=255"); err != nil {
		return "", ErrCityNameTooLong
	}
	if !validNameRunes(s) {
		return "", ErrCityNameInvalidChars
	}
	return s, nil
}

func mapFieldError(fe validator.FieldError) error {
	switch fe.Field() {
	case "Name":
		if fe.Tag() == "required" {
			return ErrCityNameEmpty
		}
		return ErrCityNameTooLong
	case "CountryCode":
		if fe.Tag() == "max" {
			return ErrCountryCodeTooLong
		}
		return ErrCountryCodeInvalid
	}
	return errors.New(fe.Error())
}

// validNameRunes allows letters (Unicode), digits, space, hyphen, apostrophe and period.
// Colons and slashes are rejected: names appear in cache keys and URL paths.
func validNameRunes(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		switch r {
		case ' ', '-', '\'', '.':
			continue
		}
		return false
	}
	return true
}
