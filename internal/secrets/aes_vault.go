package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

// VaultConfig supplies key material for the vault. Exactly one of MasterKey
// (a raw 32-byte key) or Passphrase+Salt (PBKDF2-derived) must be set;
// MasterKey wins if both are.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

func (cfg VaultConfig) key() ([]byte, error) {
	switch {
	case len(cfg.MasterKey) == keySize:
		return cfg.MasterKey, nil
	case len(cfg.MasterKey) > 0:
		return nil, schema.NewErrorf(schema.ErrCodeCredential,
			"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeCredential, "either master_key or passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeCredential, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

// AESVault encrypts credential secrets with AES-256-GCM before persisting.
// Ciphertext layout is nonce || sealed payload.
type AESVault struct {
	store CredentialStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s CredentialStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(ciphertext []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, schema.NewError(schema.ErrCodeCredential, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Store encrypts and persists a credential. A missing ID is assigned.
func (v *AESVault) Store(ctx context.Context, cred *Credential) error {
	if cred.Secret == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential secret is empty")
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	encrypted, err := v.seal([]byte(cred.Secret))
	if err != nil {
		return err
	}
	return v.store.CreateCredential(ctx, &store.CredentialRecord{
		ID:         cred.ID,
		OwnerID:    cred.OwnerID,
		Type:       cred.Type,
		Ciphertext: encrypted,
	})
}

// Fetch loads and decrypts a credential scoped to its owner.
func (v *AESVault) Fetch(ctx context.Context, id, ownerID string) (*Credential, error) {
	rec, err := v.store.GetCredential(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	secret, err := v.open(rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &Credential{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Type:      rec.Type,
		Secret:    string(secret),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// List returns the owner's credentials with secrets left blank.
func (v *AESVault) List(ctx context.Context, ownerID string) ([]*Credential, error) {
	recs, err := v.store.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &Credential{
			ID:        rec.ID,
			OwnerID:   rec.OwnerID,
			Type:      rec.Type,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

// Delete removes a credential scoped to its owner.
func (v *AESVault) Delete(ctx context.Context, id, ownerID string) error {
	return v.store.DeleteCredential(ctx, id, ownerID)
}
