package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("patient not found")
	ErrConflict = errors.New("patient already exists")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validGenders = map[string]bool{
	"male":   true,
	"female": true,
	"other":  true,
}

// Patient belongs to exactly one doctor. Phone is stored normalized.
type Patient struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Age       *int      `json:"age,omitempty"`
	Gender    *string   `json:"gender,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizePhone strips formatting from a phone number and returns its digits,
// country code included. A single leading "+" is accepted and dropped.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", &ValidationError{Field: "phone", Message: fmt.Sprintf("unexpected character %q", r)}
		}
	}

	digits := b.String()
	if len(digits) < 10 || len(digits) > 15 {
		return "", &ValidationError{Field: "phone", Message: "must contain 10 to 15 digits"}
	}
	return digits, nil
}

// ResolveInput carries the booking form's patient fields.
type ResolveInput struct {
	Name   string
	Phone  string
	Age    *int
	Gender *string
}

// toPatient validates in and builds the record that would be created for it.
func (in ResolveInput) toPatient(doctorID uuid.UUID) (*Patient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	if in.Age != nil && (*in.Age < 0 || *in.Age > 150) {
		return nil, &ValidationError{Field: "age", Message: "must be between 0 and 150"}
	}
	var gender *string
	if in.Gender != nil && *in.Gender != "" {
		g := strings.ToLower(*in.Gender)
		if !validGenders[g] {
			return nil, &ValidationError{Field: "gender", Message: fmt.Sprintf("invalid value %q", *in.Gender)}
		}
		gender = &g
	}
	return &Patient{
		DoctorID: doctorID,
		Name:     name,
		Phone:    phone,
		Age:      in.Age,
		Gender:   gender,
	}, nil
}
