// Package sessionid generates room identifiers, participant identifiers and
// completion codes.
package sessionid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Crockford base32, lowercase. No i, l, o or u.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// IDLength is the length of room and participant identifiers.
const IDLength = 26

// ExitCodeLength is the length of a completion code.
const ExitCodeLength = 10

// Generator creates identifiers from a random source. A nil source uses
// crypto/rand.
type Generator struct {
	rand io.Reader
}

// NewGenerator creates a generator. Pass a deterministic reader in tests.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// Room returns a time-ordered room id: a UUIDv7 encoded as 26 base32
// characters.
func (g *Generator) Room() (string, error) {
	id, err := uuid.NewV7FromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return encode(id), nil
}

// Participant returns a random participant id.
func (g *Generator) Participant() (string, error) {
	id, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return encode(id), nil
}

// ExitCode returns an uppercase completion code handed to a participant at
// the end of a session.
func (g *Generator) ExitCode() (string, error) {
	buf := make([]byte, ExitCodeLength)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("generate exit code: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[b&0x1f]
	}
	return strings.ToUpper(string(buf)), nil
}

// encode writes the 128 bits of id as 26 five-bit groups, most significant
// first. The leading group carries only three bits, so it is always 0-7.
func encode(id uuid.UUID) string {
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])

	out := make([]byte, IDLength)
	for i := IDLength - 1; i >= 0; i-- {
		out[i] = alphabet[lo&0x1f]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out)
}

// Validate checks that id is a well-formed room or participant id.
func Validate(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("id must be exactly %d characters, got %d", IDLength, len(id))
	}
	if id[0] > '7' {
		return fmt.Errorf("id first character must be 0-7, got %c", id[0])
	}
	for i, c := range id {
		if !strings.ContainsRune(alphabet, c) {
			return fmt.Errorf("invalid character %c at position %d", c, i)
		}
	}
	return nil
}
