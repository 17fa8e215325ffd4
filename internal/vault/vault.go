package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

const (
	// PasswordLength is the length of generated credentials.
	PasswordLength = 24

	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	openTimeout      = time.Second
)

var (
	ErrNotSecretRef = errors.New("reference does not point to a secret")
	ErrValueMissing = errors.New("secret value missing from vault")

	bucketSecrets = []byte("secrets")
)

// Config is the configuration of the vault.
type Config struct {
	// Path is the location of the vault database file.
	Path string

	// Store keeps the secret manifests that describe the vault contents.
	Store *manifest.Store
}

// Vault keeps generated credentials out of the manifest tree. Values live in
// a bbolt file keyed by name and version, while a secret manifest per name
// records which version is current. Manifests stay safe to commit, the vault
// file does not.
type Vault struct {
	db    *bolt.DB
	store *manifest.Store
	log   zerolog.Logger
}

// Generate creates a fresh random credential under the given name and
// returns a reference to its secret manifest. Generating for an existing
// name rotates it: the new value becomes current and the old version is
// kept in the vault for manual recovery.
func (v *Vault) Generate(name string, description string) (manifest.Ref, error) {
	password, err := randomPassword()
	if err != nil {
		return manifest.Ref{}, err
	}

	return v.Put(name, description, password)
}

// Put stores a credential value under the given name, rotating any previous
// version.
func (v *Vault) Put(name string, description string, value string) (manifest.Ref, error) {
	secret, err := manifest.LoadSecret(v.store, name)
	switch {
	case err == nil:
		secret.Spec.PreviousVersions = append(secret.Spec.PreviousVersions, secret.Spec.Version)
		secret.Spec.Version++
	case errors.As(err, &manifest.NotFoundError{}):
		secret = manifest.NewSecret(name, description)
	default:
		return manifest.Ref{}, fmt.Errorf("failed to load secret %s: %w", name, err)
	}

	err = v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put(versionKey(name, secret.Spec.Version), []byte(value))
	})
	if err != nil {
		return manifest.Ref{}, fmt.Errorf("failed to store secret %s: %w", name, err)
	}

	if err := v.store.Save(secret); err != nil {
		return manifest.Ref{}, fmt.Errorf("failed to save secret manifest %s: %w", name, err)
	}

	v.log.Info().Str("secret", name).Int("version", secret.Spec.Version).Msg("stored secret")

	return secret.Ref(), nil
}

// Reveal returns the current value behind a secret reference.
func (v *Vault) Reveal(ref manifest.Ref) (string, error) {
	if ref.Kind() != manifest.KindSecret {
		return "", fmt.Errorf("%w: %s", ErrNotSecretRef, ref)
	}

	secret, err := manifest.LoadSecret(v.store, ref.Name())
	if err != nil {
		return "", fmt.Errorf("failed to load secret %s: %w", ref.Name(), err)
	}

	var value []byte
	err = v.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(bucketSecrets).Get(versionKey(secret.Spec.SecretName, secret.Spec.Version))
		if stored == nil {
			return fmt.Errorf("%w: %s version %d", ErrValueMissing, ref.Name(), secret.Spec.Version)
		}

		value = append(value, stored...)

		return nil
	})
	if err != nil {
		return "", err
	}

	return string(value), nil
}

// Delete removes a secret entirely, current and previous versions included.
// Deleting a secret that does not exist is not an error.
func (v *Vault) Delete(ref manifest.Ref) error {
	if ref.Kind() != manifest.KindSecret {
		return fmt.Errorf("%w: %s", ErrNotSecretRef, ref)
	}

	secret, err := manifest.LoadSecret(v.store, ref.Name())
	if err != nil {
		if errors.As(err, &manifest.NotFoundError{}) {
			return nil
		}

		return fmt.Errorf("failed to load secret %s: %w", ref.Name(), err)
	}

	versions := append([]int{secret.Spec.Version}, secret.Spec.PreviousVersions...)

	err = v.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)

		for _, version := range versions {
			if err := bucket.Delete(versionKey(secret.Spec.SecretName, version)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete secret %s from vault: %w", ref.Name(), err)
	}

	if err := v.store.Delete(secret); err != nil {
		return fmt.Errorf("failed to delete secret manifest %s: %w", ref.Name(), err)
	}

	v.log.Info().Str("secret", ref.Name()).Msg("deleted secret")

	return nil
}

// Close releases the vault database file.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Open opens or creates the vault database.
func Open(config Config) (*Vault, error) {
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault at %s: %w", config.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create vault bucket: %w", err)
	}

	return &Vault{
		db:    db,
		store: config.Store,
		log:   log.WithComponent("vault"),
	}, nil
}

func versionKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s/%d", name, version))
}

func randomPassword() (string, error) {
	random := make([]byte, PasswordLength)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}

	for i, b := range random {
		random[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}

	return string(random), nil
}
