// Package joincode generates the 6-digit codes students type to join a quiz
// or a feedback session.
package joincode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Length is the number of digits in a join code.
const Length = 6

const maxAttempts = 10

// ErrExhausted is returned when no free code was found.
var ErrExhausted = errors.New("joincode: no free code after retries")

var upper = big.NewInt(1_000_000)

// Random returns a random code of Length digits, leading zeros included.
func Random() (string, error) {
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("joincode: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Generate returns a code for which taken reports false, retrying on
// collisions.
func Generate(taken func(code string) (bool, error)) (string, error) {
	return generate(Random, taken)
}

func generate(next func() (string, error), taken func(string) (bool, error)) (string, error) {
	for range maxAttempts {
		code, err := next()
		if err != nil {
			return "", err
		}
		used, err := taken(code)
		if err != nil {
			return "", fmt.Errorf("joincode: check %s: %w", code, err)
		}
		if !used {
			return code, nil
		}
	}
	return "", ErrExhausted
}

// Valid reports whether s looks like a join code.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
