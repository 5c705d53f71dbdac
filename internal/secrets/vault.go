// Package secrets stores integration credentials encrypted at rest.
package secrets

import (
	"context"
	"time"

	"github.com/conduitworks/conduit/internal/store"
)

// Credential is a decrypted credential as handed to executors.
type Credential struct {
	ID        string
	OwnerID   string
	Type      string
	Secret    string
	CreatedAt time.Time
}

// Vault manages credentials. Secrets are encrypted before they reach the
// store and decrypted only on fetch.
type Vault interface {
	Store(ctx context.Context, cred *Credential) error
	Fetch(ctx context.Context, id, ownerID string) (*Credential, error)
	List(ctx context.Context, ownerID string) ([]*Credential, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// CredentialStore is the slice of persistence the vault needs.
type CredentialStore interface {
	CreateCredential(ctx context.Context, rec *store.CredentialRecord) error
	GetCredential(ctx context.Context, id, ownerID string) (*store.CredentialRecord, error)
	ListCredentials(ctx context.Context, ownerID string) ([]*store.CredentialRecord, error)
	DeleteCredential(ctx context.Context, id, ownerID string) error
}
