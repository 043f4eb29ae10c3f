package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	DefaultLength = 25
	Alphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	defaultMaxAttempts = 16
)

// bytes at or above this value are rejected so every symbol is equally likely.
const rejectFrom = 256 - (256 % len(Alphabet))

var ErrTooManyCollisions = errors.New("token: too many collisions")

// ExistsFunc reports whether a token is already issued.
type ExistsFunc func(ctx context.Context, token string) (bool, error)

type Generator struct {
	Length      int
	MaxAttempts int
	Reader      io.Reader
}

func NewGenerator() *Generator {
	return &Generator{
		Length:      DefaultLength,
		MaxAttempts: defaultMaxAttempts,
		Reader:      rand.Reader,
	}
}

// Generate returns a fresh random token.
func (g *Generator) Generate() (string, error) {
	length := g.Length
	if length <= 0 {
		length = DefaultLength
	}
	reader := g.Reader
	if reader == nil {
		reader = rand.Reader
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := io.ReadFull(reader, buf[:length-len(out)]); err != nil {
			return "", fmt.Errorf("token: read random: %w", err)
		}
		for _, b := range buf[:length-len(out)] {
			if int(b) >= rejectFrom {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
		}
	}

	return string(out), nil
}

// GenerateUnique draws tokens until exists reports one as unused.
func (g *Generator) GenerateUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		candidate, err := g.Generate()
		if err != nil {
			return "", err
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	return "", ErrTooManyCollisions
}
