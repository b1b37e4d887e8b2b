// Package keystore implements a passphrase-sealed store for a mesh
// node's long-lived identity (an ed25519 signing keypair plus an X25519
// box keypair, see mesh.KeyPair).
//
// Crypto: Argon2id for passphrase KDF, XChaCha20-Poly1305 for encryption.
// Recovery: a 64-word hex seed phrase regenerates both keypairs.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/shurlinet/shurli/pkg/mesh"
)

var (
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrInvalidSeed       = errors.New("invalid seed phrase")
	ErrNotInitialized    = errors.New("keystore not initialized")
)

// Argon2id parameters tuned for a solo operator's laptop or VPS.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB in KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	seedKeyLen   = ed25519.SeedSize + 32 // ed25519 seed || box private key
)

// sealedData is the on-disk representation of a sealed keystore.
type sealedData struct {
	Version      int    `json:"version"`
	Salt         []byte `json:"salt"`
	EncryptedKey []byte `json:"encrypted_key"`
	Nonce        []byte `json:"nonce"`
	SeedHash     []byte `json:"seed_hash"`
}

// Create generates a fresh mesh.KeyPair and returns it together with its
// recovery seed phrase. It neither seals nor writes the keypair; Save does.
func Create(passphrase string) (*mesh.KeyPair, string, error) {
	seed := make([]byte, seedKeyLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, "", fmt.Errorf("failed to generate identity seed: %w", err)
	}

	kp, err := keyPairFromSeed(seed)
	if err != nil {
		return nil, "", err
	}

	seedPhrase := encodeSeedPhrase(seed)
	return kp, seedPhrase, nil
}

// Save seals kp with passphrase and persists it to path.
func Save(path, passphrase string, kp *mesh.KeyPair) error {
	seed := make([]byte, 0, seedKeyLen)
	seed = append(seed, kp.SignPriv.Seed()...)
	seed = append(seed, kp.BoxPriv[:]...)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	encKey := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	ciphertext, nonce, err := encrypt(encKey, seed)
	if err != nil {
		return fmt.Errorf("failed to encrypt identity: %w", err)
	}

	seedHash := sha256.Sum256([]byte(encodeSeedPhrase(seed)))
	sd := sealedData{
		Version:      1,
		Salt:         salt,
		EncryptedKey: ciphertext,
		Nonce:        nonce,
		SeedHash:     seedHash[:],
	}

	data, err := json.MarshalIndent(sd, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Load reads the sealed keystore at path and unseals it with
// passphrase, returning the node's identity keypair.
func Load(path, passphrase string) (*mesh.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}

	var sd sealedData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse keystore file: %w", err)
	}

	encKey := argon2.IDKey([]byte(passphrase), sd.Salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	seed, err := decrypt(encKey, sd.EncryptedKey, sd.Nonce)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}

	return keyPairFromSeed(seed)
}

// RecoverFromSeed reconstructs a mesh.KeyPair from a seed phrase
// produced by Create.
func RecoverFromSeed(seedPhrase string) (*mesh.KeyPair, error) {
	seed, err := decodeSeedPhrase(seedPhrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return keyPairFromSeed(seed)
}

func keyPairFromSeed(seed []byte) (*mesh.KeyPair, error) {
	if len(seed) != seedKeyLen {
		return nil, fmt.Errorf("%w: expected %d byte seed, got %d", ErrInvalidSeed, seedKeyLen, len(seed))
	}
	signPriv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])

	var boxPriv [32]byte
	copy(boxPriv[:], seed[ed25519.SeedSize:])
	var boxPub [32]byte
	curve25519.ScalarBaseMult(&boxPub, &boxPriv)

	return &mesh.KeyPair{
		SignPub:  signPriv.Public().(ed25519.PublicKey),
		SignPriv: signPriv,
		BoxPub:   &boxPub,
		BoxPriv:  &boxPriv,
	}, nil
}

// --- crypto helpers ---

func encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// --- seed phrase encoding ---
// Encodes the raw key bytes as hex-pair words: simple, deterministic,
// no wordlist dependency, unambiguous for manual transcription.

func encodeSeedPhrase(key []byte) string {
	words := make([]string, len(key))
	for i, b := range key {
		words[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(words, " ")
}

func decodeSeedPhrase(phrase string) ([]byte, error) {
	words := strings.Fields(phrase)
	if len(words) != seedKeyLen {
		return nil, fmt.Errorf("expected %d words, got %d", seedKeyLen, len(words))
	}
	key := make([]byte, 0, len(words))
	for _, w := range words {
		b, err := hex.DecodeString(w)
		if err != nil {
			return nil, fmt.Errorf("invalid seed word %q: %w", w, err)
		}
		key = append(key, b...)
	}
	return key, nil
}
