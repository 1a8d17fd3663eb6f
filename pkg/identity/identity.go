// Package identity manages the node's Ed25519 key, its persistence and the identifiers derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// Identity is a node's signing key pair
type Identity struct {
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"private_key"`

	// Cached values
	nodeID [32]byte
	tag    string
}

// GenerateIdentity creates an identity with a fresh key pair
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	id := &Identity{PublicKey: pub, PrivateKey: priv}
	id.derive()
	return id, nil
}

func (id *Identity) derive() {
	id.nodeID = blake3.Sum256(id.PublicKey)
	id.tag = encodeTag(uint32(id.nodeID[0])<<24 | uint32(id.nodeID[1])<<16 | uint32(id.nodeID[2])<<8 | uint32(id.nodeID[3]))
}

// NodeID returns the 256-bit DHT identifier, the BLAKE3 hash of the public key
func (id *Identity) NodeID() [32]byte {
	return id.nodeID
}

// NodeIDHex returns the node id as hex
func (id *Identity) NodeIDHex() string {
	return hex.EncodeToString(id.nodeID[:])
}

// Tag returns a short pronounceable name for the node: the first 32 bits of its id as two
// proquints joined by '-'
func (id *Identity) Tag() string {
	return id.tag
}

// Sign signs message with the private key
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// Verify checks a signature made by this identity
func (id *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(id.PublicKey, message, sig)
}

func (id *Identity) validate() error {
	if len(id.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has %d bytes, want %d", len(id.PublicKey), ed25519.PublicKeySize)
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key has %d bytes, want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
	if !id.PublicKey.Equal(id.PrivateKey.Public()) {
		return errors.New("public key does not match private key")
	}
	return nil
}

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

// encodeTag encodes a 32-bit value as two CVCVC proquints
func encodeTag(value uint32) string {
	quint := func(v uint16) string {
		return string([]byte{
			consonants[(v>>12)&0x0f],
			vowels[(v>>10)&0x03],
			consonants[(v>>6)&0x0f],
			vowels[(v>>4)&0x03],
			consonants[v&0x0f],
		})
	}
	return quint(uint16(value>>16)) + "-" + quint(uint16(value))
}

// decodeTag reverses encodeTag
func decodeTag(tag string) (uint32, error) {
	parts := strings.Split(tag, "-")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid tag %q: expected two parts separated by '-'", tag)
	}

	shifts := [5]uint{12, 10, 6, 4, 0}
	decode := func(q string) (uint16, error) {
		if len(q) != 5 {
			return 0, fmt.Errorf("invalid quint length: expected 5, got %d", len(q))
		}
		var v uint16
		for i := 0; i < 5; i++ {
			alphabet := consonants
			if i%2 == 1 {
				alphabet = vowels
			}
			idx := strings.IndexByte(alphabet, q[i])
			if idx < 0 {
				return 0, fmt.Errorf("invalid character %q in %q", q[i], q)
			}
			v |= uint16(idx) << shifts[i]
		}
		return v, nil
	}

	high, err := decode(parts[0])
	if err != nil {
		return 0, err
	}
	low, err := decode(parts[1])
	if err != nil {
		return 0, err
	}
	return uint32(high)<<16 | uint32(low), nil
}

// SaveToFile saves the identity to a JSON file readable only by the owner
func (id *Identity) SaveToFile(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadFromFile loads an identity from a JSON file
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if err := id.validate(); err != nil {
		return nil, fmt.Errorf("invalid identity in %s: %w", filename, err)
	}

	id.derive()
	return &id, nil
}

// LoadOrGenerate loads the identity at filename, generating and saving a new one if the file
// does not exist
func LoadOrGenerate(filename string) (*Identity, bool, error) {
	id, err := LoadFromFile(filename)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
