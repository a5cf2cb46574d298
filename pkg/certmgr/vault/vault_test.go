package vault_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/vault"
)

const fp = "AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12"

func TestVaultRoundTrip(t *testing.T) {
	dir := t.TempDir()

	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.False(t, v.Has(fp))
	require.Nil(t, v.Get(fp))

	require.NoError(t, v.Put(fp, "s3cret"))
	require.True(t, v.Has(fp))
	require.Equal(t, "s3cret", *v.Get(fp))

	// A second open sees the entry through the encrypted store.
	reopened, err := vault.Open(dir)
	require.NoError(t, err)
	require.True(t, reopened.Has(fp))
	require.Equal(t, "s3cret", *reopened.Get(fp))

	removed, err := reopened.Delete(fp)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, reopened.Has(fp))

	removed, err = reopened.Delete(fp)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestVaultNormalizesFingerprints(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)

	colons := strings.Join(splitPairs(fp), ":")
	require.NoError(t, v.Put("SHA256 Fingerprint="+colons, "pw"))
	require.True(t, v.Has(fp))
	require.Equal(t, "pw", *v.Get(strings.ToLower(fp)))
}

func TestVaultStoreShape(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Put(fp, "pw"))

	raw, err := os.ReadFile(filepath.Join(dir, vault.StoreFileName))
	require.NoError(t, err)
	parts := strings.Split(string(raw), ":")
	require.Len(t, parts, 3)
	require.NotContains(t, string(raw), "pw")

	stat, err := os.Stat(filepath.Join(dir, vault.KeyFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), stat.Mode().Perm())
}

func TestVaultCorruptStoreTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Put(fp, "pw"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, vault.StoreFileName), []byte("garbage"), 0o600))

	reopened, err := vault.Open(dir)
	require.NoError(t, err)
	require.False(t, reopened.Has(fp))
}

func TestVaultRotateKey(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Put(fp, "pw"))

	keyBefore, err := os.ReadFile(filepath.Join(dir, vault.KeyFileName))
	require.NoError(t, err)

	require.NoError(t, v.RotateKey())

	keyAfter, err := os.ReadFile(filepath.Join(dir, vault.KeyFileName))
	require.NoError(t, err)
	require.NotEqual(t, keyBefore, keyAfter)
	require.FileExists(t, filepath.Join(dir, vault.KeyFileName+".bak"))

	// Entries survive the rotation, also across a re-open.
	require.Equal(t, "pw", *v.Get(fp))
	reopened, err := vault.Open(dir)
	require.NoError(t, err)
	require.Equal(t, "pw", *reopened.Get(fp))
}

func TestVaultRotateKeyFailureKeepsStoreReadable(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)
	require.NoError(t, v.Put(fp, "pw"))

	storePath := filepath.Join(dir, vault.StoreFileName)
	keyPath := filepath.Join(dir, vault.KeyFileName)
	storeBefore, err := os.ReadFile(storePath)
	require.NoError(t, err)
	keyBefore, err := os.ReadFile(keyPath)
	require.NoError(t, err)

	// Block the store rewrite so the rotation fails after the new key
	// file has already been written.
	require.NoError(t, os.Remove(storePath))
	require.NoError(t, os.Mkdir(storePath, 0o755))
	require.Error(t, v.RotateKey())

	// The key file was put back, so the previous store still decrypts.
	keyAfter, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	require.Equal(t, keyBefore, keyAfter)

	require.NoError(t, os.RemoveAll(storePath))
	require.NoError(t, os.WriteFile(storePath, storeBefore, 0o600))
	reopened, err := vault.Open(dir)
	require.NoError(t, err)
	require.Equal(t, "pw", *reopened.Get(fp))
}

func TestVaultImportLegacy(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Open(dir)
	require.NoError(t, err)

	other := strings.Repeat("0F", 32)
	count, err := v.ImportLegacy(map[string]string{
		strings.ToLower(fp): "one",
		other:               "two",
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, "one", *v.Get(fp))
	require.Equal(t, "two", *v.Get(other))
}

func splitPairs(s string) []string {
	pairs := make([]string, 0, len(s)/2)
	for i := 0; i+1 < len(s); i += 2 {
		pairs = append(pairs, s[i:i+2])
	}
	return pairs
}
