package vault_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/vault"
)

func newTestVault(t *testing.T) (*vault.Vault, *manifest.Store) {
	t.Helper()

	dir := t.TempDir()
	store, err := manifest.NewStore(filepath.Join(dir, "manifests"))
	require.NoError(t, err)

	v, err := vault.Open(vault.Config{
		Path:  filepath.Join(dir, "secrets.db"),
		Store: store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	return v, store
}

func Test_Generate(t *testing.T) {
	v, store := newTestVault(t)

	ref, err := v.Generate("olvn1200-gw", "gateway root password")
	require.NoError(t, err)
	assert.Equal(t, manifest.KindSecret, ref.Kind())
	assert.Equal(t, "olvn1200-gw", ref.Name())

	value, err := v.Reveal(ref)
	require.NoError(t, err)
	assert.Len(t, value, vault.PasswordLength)

	secret, err := manifest.LoadSecret(store, "olvn1200-gw")
	require.NoError(t, err)
	assert.Equal(t, 1, secret.Spec.Version)
	assert.Empty(t, secret.Spec.PreviousVersions)
}

func Test_Generate_rotates(t *testing.T) {
	v, store := newTestVault(t)

	ref, err := v.Generate("olvn1200-gw", "gateway root password")
	require.NoError(t, err)

	first, err := v.Reveal(ref)
	require.NoError(t, err)

	ref, err = v.Generate("olvn1200-gw", "gateway root password")
	require.NoError(t, err)

	second, err := v.Reveal(ref)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	secret, err := manifest.LoadSecret(store, "olvn1200-gw")
	require.NoError(t, err)
	assert.Equal(t, 2, secret.Spec.Version)
	assert.Equal(t, []int{1}, secret.Spec.PreviousVersions)
}

func Test_Put(t *testing.T) {
	v, _ := newTestVault(t)

	ref, err := v.Put("shared-token", "", "hunter2")
	require.NoError(t, err)

	value, err := v.Reveal(ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func Test_Reveal_errors(t *testing.T) {
	v, _ := newTestVault(t)

	t.Run("not a secret ref", func(t *testing.T) {
		_, err := v.Reveal(manifest.NewRef(manifest.KindSector, "olvn1200"))

		assert.ErrorIs(t, err, vault.ErrNotSecretRef)
	})

	t.Run("unknown secret", func(t *testing.T) {
		_, err := v.Reveal(manifest.NewRef(manifest.KindSecret, "missing"))

		var notFound manifest.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func Test_Delete(t *testing.T) {
	v, store := newTestVault(t)

	ref, err := v.Generate("olvn1200-gw", "gateway root password")
	require.NoError(t, err)
	_, err = v.Generate("olvn1200-gw", "gateway root password")
	require.NoError(t, err)

	require.NoError(t, v.Delete(ref))

	_, err = v.Reveal(ref)
	var notFound manifest.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.False(t, store.Exists(manifest.KindSecret, "olvn1200-gw"))

	assert.NoError(t, v.Delete(ref))
}
