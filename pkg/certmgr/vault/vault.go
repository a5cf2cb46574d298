// Package vault stores per-certificate passphrases encrypted at rest with
// AES-256-GCM under a random 32-byte key kept in a separate, owner-only
// file. It is not a KDF: no passphrase protects the vault itself.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

const (
	StoreFileName = ".passphrases.enc"
	KeyFileName   = ".encryption-key"

	keySize   = 32
	gcmTagLen = 16
)

// Vault is the process-wide passphrase store. All operations are
// serialized; plaintext is held in memory only for fingerprints actually
// consulted after the lazy load.
type Vault struct {
	storePath string
	keyPath   string

	mu     sync.Mutex
	key    []byte
	known  map[string]struct{}
	cache  map[string]string
	loaded bool
}

// Open prepares the vault under configDir, creating the encryption key on
// first use. The fingerprint set is populated immediately so Has never
// needs to decrypt on the request path; plaintext values stay on disk
// until the first Get.
func Open(configDir string) (*Vault, error) {
	v := &Vault{
		storePath: filepath.Join(configDir, StoreFileName),
		keyPath:   filepath.Join(configDir, KeyFileName),
		known:     map[string]struct{}{},
		cache:     map[string]string{},
	}

	if err := v.loadOrCreateKey(); err != nil {
		return nil, err
	}

	if util.FileExists(v.storePath) {
		entries, err := v.decryptStore()
		if err != nil {
			// Read errors default to "no passphrase" per the propagation
			// policy; the store file is left untouched.
			logrus.Warnf("passphrase store unreadable, treating as empty: %v", err)
		} else {
			for fp := range entries {
				v.known[fp] = struct{}{}
			}
		}
	}

	return v, nil
}

func (v *Vault) loadOrCreateKey() error {
	data, err := os.ReadFile(v.keyPath)
	if err == nil {
		if len(data) != keySize {
			return fmt.Errorf("encryption key %s has %d bytes, want %d: %w", v.keyPath, len(data), keySize, model.ErrMalformed)
		}
		v.key = data
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read encryption key: %w", model.ErrIO)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if err := util.AtomicWriteFile(v.keyPath, key, 0o600); err != nil {
		return fmt.Errorf("write encryption key: %s: %w", err.Error(), model.ErrIO)
	}
	v.key = key
	return nil
}

// Has answers from the fingerprint set loaded at open time.
func (v *Vault) Has(fingerprint string) bool {
	fp := model.NormalizeFingerprint(fingerprint)
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.known[fp]
	return ok
}

// Get returns the passphrase for fingerprint, or nil when none is stored.
// The full store is decrypted on first need and cached.
func (v *Vault) Get(fingerprint string) *string {
	fp := model.NormalizeFingerprint(fingerprint)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureLoaded(); err != nil {
		logrus.Warnf("passphrase store load failed: %v", err)
		return nil
	}
	value, ok := v.cache[fp]
	if !ok {
		return nil
	}
	return &value
}

// Put stores a passphrase and re-encrypts the whole store under a fresh IV.
func (v *Vault) Put(fingerprint, passphrase string) error {
	fp := model.NormalizeFingerprint(fingerprint)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureLoaded(); err != nil {
		return err
	}
	v.cache[fp] = passphrase
	v.known[fp] = struct{}{}
	return v.persistLocked()
}

// Delete removes the stored passphrase, reporting whether one existed.
func (v *Vault) Delete(fingerprint string) (bool, error) {
	fp := model.NormalizeFingerprint(fingerprint)
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureLoaded(); err != nil {
		return false, err
	}
	if _, ok := v.cache[fp]; !ok {
		return false, nil
	}
	delete(v.cache, fp)
	delete(v.known, fp)
	return true, v.persistLocked()
}

// RotateKey re-encrypts the store under a freshly generated key. The old
// key is kept as <key>.bak and the new key file is written before the
// store is re-encrypted: until the store rewrite lands it still decrypts
// with the backup, and a failed rewrite puts the old key file back.
func (v *Vault) RotateKey() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureLoaded(); err != nil {
		return err
	}

	newKey := make([]byte, keySize)
	if _, err := rand.Read(newKey); err != nil {
		return err
	}

	if err := util.CopyFile(v.keyPath, v.keyPath+".bak", 0o600); err != nil {
		return fmt.Errorf("back up encryption key: %s: %w", err.Error(), model.ErrIO)
	}

	if err := util.AtomicWriteFile(v.keyPath, newKey, 0o600); err != nil {
		return fmt.Errorf("write rotated key: %s: %w", err.Error(), model.ErrIO)
	}

	oldKey := v.key
	v.key = newKey
	if err := v.persistLocked(); err != nil {
		v.key = oldKey
		if restoreErr := util.AtomicWriteFile(v.keyPath, oldKey, 0o600); restoreErr != nil {
			logrus.Errorf("restore encryption key after failed rotation: %v", restoreErr)
		}
		return err
	}
	return nil
}

// ImportLegacy merges a plaintext fingerprint-to-passphrase mapping into the
// store and returns the number of imported entries.
func (v *Vault) ImportLegacy(entries map[string]string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureLoaded(); err != nil {
		return 0, err
	}

	count := 0
	for fingerprint, passphrase := range entries {
		fp := model.NormalizeFingerprint(fingerprint)
		if fp == "" {
			continue
		}
		v.cache[fp] = passphrase
		v.known[fp] = struct{}{}
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return count, v.persistLocked()
}

func (v *Vault) ensureLoaded() error {
	if v.loaded {
		return nil
	}
	if util.FileExists(v.storePath) {
		entries, err := v.decryptStore()
		if err != nil {
			return err
		}
		v.cache = entries
		v.known = map[string]struct{}{}
		for fp := range entries {
			v.known[fp] = struct{}{}
		}
	}
	v.loaded = true
	return nil
}

func (v *Vault) decryptStore() (map[string]string, error) {
	raw, err := os.ReadFile(v.storePath)
	if err != nil {
		return nil, fmt.Errorf("read passphrase store: %w", model.ErrIO)
	}

	parts := strings.Split(strings.TrimSpace(string(raw)), ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("passphrase store has %d segments, want 3: %w", len(parts), model.ErrMalformed)
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("passphrase store iv: %w", model.ErrMalformed)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("passphrase store tag: %w", model.ErrMalformed)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("passphrase store ciphertext: %w", model.ErrMalformed)
	}

	aead, err := v.aead(len(iv))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("passphrase store decryption: %w", model.ErrMalformed)
	}

	entries := map[string]string{}
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("passphrase store content: %w", model.ErrMalformed)
	}

	normalized := make(map[string]string, len(entries))
	for fp, passphrase := range entries {
		normalized[model.NormalizeFingerprint(fp)] = passphrase
	}
	return normalized, nil
}

// persistLocked re-encrypts the cache under the current key with a fresh
// IV and atomically replaces the store file.
func (v *Vault) persistLocked() error {
	plaintext, err := json.Marshal(v.cache)
	if err != nil {
		return err
	}

	aead, err := v.aead(0)
	if err != nil {
		return err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	content := hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext)
	if err := util.AtomicWriteFile(v.storePath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write passphrase store: %s: %w", err.Error(), model.ErrIO)
	}
	return nil
}

func (v *Vault) aead(nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	if nonceSize > 0 {
		return cipher.NewGCMWithNonceSize(block, nonceSize)
	}
	return cipher.NewGCM(block)
}
