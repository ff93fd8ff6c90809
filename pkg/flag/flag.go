// Package flag generates the per-instance secret tokens injected into sandboxes.
package flag

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/arenactf/instanced/pkg/types"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxByte is the largest multiple of len(alphabet) that fits in a byte; bytes at or
// above it are rejected so every symbol is equally likely.
const maxByte = 256 - (256 % len(alphabet))

type Generator struct {
	prefix string
	length int
	rand   io.Reader
}

func NewGenerator(config types.FlagConfig) (*Generator, error) {
	if config.Length < types.MinFlagLength {
		return nil, fmt.Errorf("flag length must be at least %d, got %d", types.MinFlagLength, config.Length)
	}
	return &Generator{prefix: config.Prefix, length: config.Length, rand: rand.Reader}, nil
}

// Generate returns PREFIX{payload}. It panics only if the system entropy source fails.
func (g *Generator) Generate() string {
	payload, err := g.payload()
	if err != nil {
		panic(fmt.Sprintf("flag: entropy source failed: %v", err))
	}
	return g.prefix + "{" + payload + "}"
}

func (g *Generator) payload() (string, error) {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length)

	for len(out) < g.length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == g.length {
				break
			}
		}
	}

	return string(out), nil
}
