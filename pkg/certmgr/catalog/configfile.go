package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

const (
	ConfigFileName   = "certificates.json"
	configDocVersion = 1
	maxConfigBackups = 10
)

// configDocument is the persisted catalog: the durable source of truth for
// policy (deploy actions, renewal config, historical versions). Artifacts
// themselves are owned by the filesystem.
type configDocument struct {
	Version      int                           `json:"version"`
	LastUpdate   string                        `json:"lastUpdate"`
	Certificates map[string]*model.Certificate `json:"certificates"`
}

func newConfigDocument() *configDocument {
	return &configDocument{
		Version:      configDocVersion,
		Certificates: map[string]*model.Certificate{},
	}
}

// loadConfigDocument reads the catalog file. A corrupted document is copied
// to a sidecar backup and replaced in memory by an empty document; the
// corrupt file itself is left on disk untouched until the next persist.
func loadConfigDocument(path string) *configDocument {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newConfigDocument()
	}
	if err != nil {
		logrus.Errorf("read catalog config %s: %v", path, err)
		return newConfigDocument()
	}

	doc := newConfigDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		sidecar := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if copyErr := util.CopyFile(path, sidecar, 0o644); copyErr != nil {
			logrus.Errorf("back up corrupt catalog config: %v", copyErr)
		} else {
			logrus.Errorf("catalog config %s is corrupt (%v), backed up to %s", path, err, sidecar)
		}
		return newConfigDocument()
	}

	if doc.Certificates == nil {
		doc.Certificates = map[string]*model.Certificate{}
	}
	migrateDocument(doc)
	return doc
}

// migrateDocument normalizes fingerprint keys and legacy path keys
// ("crtPath" style) onto the canonical set.
func migrateDocument(doc *configDocument) {
	migrated := make(map[string]*model.Certificate, len(doc.Certificates))
	for fp, cert := range doc.Certificates {
		if cert == nil {
			continue
		}
		norm := model.NormalizeFingerprint(fp)
		cert.Fingerprint = norm
		cert.Paths = migratePathKeys(cert.Paths)
		cert.SANs.Normalize()
		migrated[norm] = cert
	}
	doc.Certificates = migrated
}

func migratePathKeys(paths map[string]string) map[string]string {
	if paths == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(paths))
	for key, path := range paths {
		canonical := strings.TrimSuffix(key, "Path")
		if !lo.Contains(model.PathKeys, canonical) {
			logrus.Warnf("dropping unrecognized artifact key %q", key)
			continue
		}
		if _, exists := out[canonical]; !exists {
			out[canonical] = path
		}
	}
	return out
}

// saveConfigDocument persists the catalog through tmp+rename, keeping a
// rolling backup of the previous content.
func saveConfigDocument(path string, doc *configDocument) error {
	doc.Version = configDocVersion
	doc.LastUpdate = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if util.FileExists(path) {
		if err := backupConfigFile(path); err != nil {
			logrus.Warnf("catalog config backup failed: %v", err)
		}
	}

	if err := util.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog config: %s: %w", err.Error(), model.ErrIO)
	}
	return nil
}

func backupConfigFile(path string) error {
	backupDir := filepath.Join(filepath.Dir(path), "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	backupPath := filepath.Join(backupDir, "certificates-"+stamp+".json")
	if err := util.CopyFile(path, backupPath, 0o644); err != nil {
		return err
	}

	return pruneConfigBackups(backupDir)
}

func pruneConfigBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "certificates-") && strings.HasSuffix(name, ".json") {
			backups = append(backups, name)
		}
	}
	if len(backups) <= maxConfigBackups {
		return nil
	}

	sort.Strings(backups) // timestamped names sort chronologically
	for _, name := range backups[:len(backups)-maxConfigBackups] {
		if err := os.Remove(filepath.Join(backupDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// fingerprintDigest is the dirty-detection view of one entry. Persisting is
// skipped when every digest and the fingerprint set match the loaded
// document.
type fingerprintDigest struct {
	Name            string
	Subject         string
	ValidFrom       int64
	ValidTo         int64
	CertType        model.CertType
	NeedsPassphrase bool
}

func digestOf(cert *model.Certificate) fingerprintDigest {
	return fingerprintDigest{
		Name:            cert.Name,
		Subject:         cert.Subject,
		ValidFrom:       cert.ValidFrom,
		ValidTo:         cert.ValidTo,
		CertType:        cert.CertType,
		NeedsPassphrase: cert.NeedsPassphrase,
	}
}

func documentDigests(doc *configDocument) map[string]fingerprintDigest {
	digests := make(map[string]fingerprintDigest, len(doc.Certificates))
	for fp, cert := range doc.Certificates {
		digests[fp] = digestOf(cert)
	}
	return digests
}
