package backup

import (
	"fmt"
	"sort"
)

// Codec transforms an exported snapshot before it leaves the device and
// back after a restore. Encrypt must return valid JSON, since the remote
// stores the result as the request's data field.
type Codec interface {
	// ID names the codec, e.g. "plain".
	ID() string
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Plain passes snapshots through unchanged. Backups are not encrypted.
type Plain struct{}

func (Plain) ID() string { return "plain" }

func (Plain) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (Plain) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

var codecs = map[string]Codec{
	"plain": Plain{},
}

// Names returns all registered codec ids.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the codec registered under name.
func Select(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown backup codec %q; registered: %v", name, Names())
	}
	return c, nil
}
