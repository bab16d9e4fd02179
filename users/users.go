// Package users authenticates the people connecting to a rordb server and
// assigns them permission levels.
package users

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound    = errors.New("users: user not found")
	ErrWrongPassword   = errors.New("users: wrong password")
	ErrUserExists      = errors.New("users: user already exists")
	ErrInvalidName     = errors.New("users: user name must be 2 to 20 characters")
	ErrInvalidPassword = errors.New("users: password must be 4 to 16 letters, digits, '_' or '-'")
)

const (
	MinNameLen = 2
	MaxNameLen = 20
)

var passwordRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{4,16}$`)

type User struct {
	UID   string
	Name  string
	Level Level
}

// Oracle is what the server needs from an account store.
type Oracle interface {
	Login(name, password string) (User, error)
	Register(name, password string, level Level) error
	Delete(name string) error
}

func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinNameLen || n > MaxNameLen || !utf8.ValidString(name) {
		return ErrInvalidName
	}
	return nil
}

func ValidatePassword(password string) error {
	if !passwordRe.MatchString(password) {
		return ErrInvalidPassword
	}
	return nil
}

// record is the stored form of an account.
type record struct {
	UID   string `msgpack:"id"`
	Name  string `msgpack:"n"`
	Hash  []byte `msgpack:"h"`
	Level Level  `msgpack:"l"`
}

func newRecord(name, password string, level Level, cost int) (*record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("users: invalid level %d", uint8(level))
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("users: hashing password: %w", err)
	}
	return &record{
		UID:   uuid.NewString(),
		Name:  name,
		Hash:  hash,
		Level: level,
	}, nil
}

func (r *record) login(password string) (User, error) {
	err := bcrypt.CompareHashAndPassword(r.Hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return User{}, ErrWrongPassword
	} else if err != nil {
		return User{}, fmt.Errorf("users: %s: %w", r.Name, err)
	}
	return r.user(), nil
}

func (r *record) user() User {
	return User{UID: r.UID, Name: r.Name, Level: r.Level}
}
