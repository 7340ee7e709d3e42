// Package keys keeps ML-DSA signing keys in the operating system keyring, or in
// an encrypted file keyring on hosts without one.
package keys

import (
	"encoding/pem"
	"errors"
	"fmt"
	"sort"

	"github.com/99designs/keyring"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/signing"
)

// DefaultServiceName is the keyring service keys are stored under
const DefaultServiceName = "opnetplg"

const (
	privateBlockType = "OPNET ML-DSA PRIVATE KEY"
	publicBlockType  = "OPNET ML-DSA PUBLIC KEY"
	levelHeader      = "Level"
)

// ErrKeyNotFound is returned when no key is stored under a name
var ErrKeyNotFound = errors.New("signing key not found")

// Config selects the keyring backend
type Config struct {
	ServiceName string
	// Backend restricts the keyring to one backend, e.g. "file" or "secret-service".
	// Empty lets the keyring library pick the platform default.
	Backend  string
	FileDir  string
	Password string
}

// Store reads and writes key pairs in a keyring
type Store struct {
	ring keyring.Keyring
}

// Open opens the keyring described by cfg
func Open(cfg Config) (*Store, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	kc := keyring.Config{
		ServiceName:      cfg.ServiceName,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(cfg.Password),
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Save stores kp under name, replacing any existing key
func (s *Store) Save(name string, kp *signing.KeyPair) error {
	if name == "" {
		return errors.New("key name is required")
	}
	data, err := EncodePEM(kp)
	if err != nil {
		return err
	}
	err = s.ring.Set(keyring.Item{
		Key:         name,
		Data:        data,
		Label:       "OPNet plugin signing key " + name,
		Description: kp.Level.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// Load returns the key pair stored under name
func (s *Store) Load(name string) (*signing.KeyPair, error) {
	item, err := s.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	return DecodePEM(item.Data)
}

// List returns the stored key names, sorted
func (s *Store) List() ([]string, error) {
	names, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the key stored under name
func (s *Store) Delete(name string) error {
	// not every backend reports a missing key on Remove
	if _, err := s.ring.Get(name); errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err := s.ring.Remove(name); err != nil {
		return fmt.Errorf("failed to remove key from keyring: %w", err)
	}
	return nil
}

// PublicKeyHashes returns the public key hash of every stored key, keyed by name
func (s *Store) PublicKeyHashes() (map[string]string, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		kp, err := s.Load(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", name, err)
		}
		out[name] = signing.PublicKeyHash(kp.PublicKey)
	}
	return out, nil
}

// EncodePEM writes kp as a private block followed by a public block, both
// carrying a Level header
func EncodePEM(kp *signing.KeyPair) ([]byte, error) {
	if kp == nil || len(kp.PrivateKey) == 0 || len(kp.PublicKey) == 0 {
		return nil, errors.New("key pair is incomplete")
	}
	if !kp.Level.Valid() {
		return nil, fmt.Errorf("%w: %d", container.ErrUnknownSecurityLevel, uint8(kp.Level))
	}
	headers := map[string]string{levelHeader: kp.Level.String()}
	out := pem.EncodeToMemory(&pem.Block{Type: privateBlockType, Headers: headers, Bytes: kp.PrivateKey})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: publicBlockType, Headers: headers, Bytes: kp.PublicKey})...)
	return out, nil
}

// EncodePublicPEM writes only the public block of kp
func EncodePublicPEM(kp *signing.KeyPair) ([]byte, error) {
	if kp == nil || len(kp.PublicKey) == 0 {
		return nil, errors.New("key pair has no public key")
	}
	if !kp.Level.Valid() {
		return nil, fmt.Errorf("%w: %d", container.ErrUnknownSecurityLevel, uint8(kp.Level))
	}
	headers := map[string]string{levelHeader: kp.Level.String()}
	return pem.EncodeToMemory(&pem.Block{Type: publicBlockType, Headers: headers, Bytes: kp.PublicKey}), nil
}

// DecodePEM parses the output of EncodePEM. A public-only file yields a key
// pair with no private key.
func DecodePEM(data []byte) (*signing.KeyPair, error) {
	var (
		kp    signing.KeyPair
		level string
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case privateBlockType:
			kp.PrivateKey = block.Bytes
		case publicBlockType:
			kp.PublicKey = block.Bytes
		default:
			continue
		}
		if l := block.Headers[levelHeader]; l != "" {
			if level != "" && level != l {
				return nil, fmt.Errorf("key blocks disagree on level: %s and %s", level, l)
			}
			level = l
		}
	}
	if len(kp.PublicKey) == 0 {
		return nil, errors.New("failed to decode PEM: no public key block")
	}
	parsed, err := container.ParseSecurityLevel(level)
	if err != nil {
		return nil, err
	}
	kp.Level = parsed
	if len(kp.PublicKey) != parsed.PublicKeySize() {
		return nil, fmt.Errorf("public key is %d bytes, %s needs %d", len(kp.PublicKey), parsed, parsed.PublicKeySize())
	}
	return &kp, nil
}
