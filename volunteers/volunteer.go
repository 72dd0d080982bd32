// Package volunteers holds the statements behind volunteer signup: creating
// credentials, checking for existing accounts, and maintaining profiles.
package volunteers

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-sql/civil"
	"golang.org/x/text/unicode/norm"
)

// Column sizes of dbo.Volunteers.
const (
	MaxEmailLen = 320
	MaxPhoneLen = 20
	MaxNameLen  = 100
	// bcrypt ignores input past this many bytes.
	MaxPasswordLen = 72
	MinPasswordLen = 8
)

// Credentials are what a volunteer supplies on the first signup step.
type Credentials struct {
	Email    string
	Phone    string
	Password string
}

// Profile holds the fields a volunteer may change after signup.
type Profile struct {
	FirstName   string
	LastName    string
	City        string
	DateOfBirth *civil.Date
	Skills      string
}

// Volunteer is one row of dbo.Volunteers, without the password hash.
type Volunteer struct {
	ID            int64       `json:"id"`
	Email         string      `json:"email"`
	Phone         string      `json:"phone,omitempty"`
	FirstName     string      `json:"first_name,omitempty"`
	LastName      string      `json:"last_name,omitempty"`
	City          string      `json:"city,omitempty"`
	DateOfBirth   *civil.Date `json:"date_of_birth,omitempty"`
	Skills        string      `json:"skills,omitempty"`
	EmailVerified bool        `json:"email_verified"`
	PhoneVerified bool        `json:"phone_verified"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Channel is a contact method that can be verified.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// ParseChannel accepts "email" or "phone".
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(s)); c {
	case ChannelEmail, ChannelPhone:
		return c, nil
	}
	return "", &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", s)}
}

// ValidationError is input rejected before any statement runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("volunteers: %s: %s", e.Field, e.Reason)
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizeEmail lower-cases and trims an address and checks its syntax.
func NormalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", &ValidationError{Field: "email", Reason: "required"}
	}
	if len(s) > MaxEmailLen {
		return "", &ValidationError{Field: "email", Reason: "too long"}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", &ValidationError{Field: "email", Reason: "not an email address"}
	}
	return s, nil
}

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(s string) (string, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return "", &ValidationError{Field: "phone", Reason: "required"}
	}
	if !phonePattern.MatchString(s) {
		return "", &ValidationError{Field: "phone", Reason: "not a phone number"}
	}
	return s, nil
}

func (c Credentials) normalize() (Credentials, error) {
	email, err := NormalizeEmail(c.Email)
	if err != nil {
		return c, err
	}
	c.Email = email
	if c.Phone != "" {
		if c.Phone, err = NormalizePhone(c.Phone); err != nil {
			return c, err
		}
	}
	switch n := len(c.Password); {
	case utf8.RuneCountInString(c.Password) < MinPasswordLen:
		return c, &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", MinPasswordLen)}
	case n > MaxPasswordLen:
		return c, &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at most %d bytes", MaxPasswordLen)}
	}
	return c, nil
}

func (p Profile) normalize(now time.Time) (Profile, error) {
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"first_name", &p.FirstName},
		{"last_name", &p.LastName},
		{"city", &p.City},
	} {
		*f.v = norm.NFC.String(strings.TrimSpace(*f.v))
		if utf8.RuneCountInString(*f.v) > MaxNameLen {
			return p, &ValidationError{Field: f.name, Reason: "too long"}
		}
	}
	if p.FirstName == "" {
		return p, &ValidationError{Field: "first_name", Reason: "required"}
	}
	p.Skills = norm.NFC.String(strings.TrimSpace(p.Skills))
	if dob := p.DateOfBirth; dob != nil {
		if !dob.IsValid() {
			return p, &ValidationError{Field: "date_of_birth", Reason: "invalid date"}
		}
		if dob.After(civil.DateOf(now)) || dob.Before(civil.Date{Year: 1900, Month: time.January, Day: 1}) {
			return p, &ValidationError{Field: "date_of_birth", Reason: "out of range"}
		}
	}
	return p, nil
}
