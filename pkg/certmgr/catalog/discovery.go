package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/util"
)

// certExtensions are the file extensions the discovery walk parses.
var certExtensions = map[string]string{
	".crt":  "crt",
	".pem":  "pem",
	".cer":  "cer",
	".cert": "crt",
}

// keyFileCandidates lists the adjacent key file probes for a certificate
// <base>.<ext>, in priority order.
func keyFileCandidates(certPath string) []string {
	base := strings.TrimSuffix(certPath, filepath.Ext(certPath))
	dir := filepath.Dir(certPath)
	return []string{
		base + ".key",
		base + "-key.pem",
		filepath.Join(dir, "privkey.pem"),
		filepath.Join(dir, "private.key"),
	}
}

func findKeyFile(certPath string) string {
	for _, candidate := range keyFileCandidates(certPath) {
		if util.FileExists(candidate) {
			return candidate
		}
	}
	return ""
}

// siblingFormats probes the conventional sibling artifacts of a published
// certificate and returns the format keys that exist on disk.
func siblingFormats(certPath string) map[string]string {
	base := strings.TrimSuffix(certPath, filepath.Ext(certPath))
	probes := map[string]string{
		"csr":       base + ".csr",
		"pem":       base + ".pem",
		"p12":       base + ".p12",
		"pfx":       base + ".pfx",
		"der":       base + ".der",
		"cer":       base + ".cer",
		"p7b":       base + ".p7b",
		"chain":     base + "-chain.pem",
		"fullchain": base + "-fullchain.pem",
		"ext":       base + ".ext",
	}

	found := map[string]string{}
	for key, path := range probes {
		if util.FileExists(path) {
			found[key] = path
		}
	}
	return found
}

// discoverCertFiles recursively walks rootDir for certificate files,
// skipping `backups` and `archive` directories and any dot entry. Walk
// errors on individual entries are logged and skipped.
func discoverCertFiles(rootDir string) []string {
	var files []string

	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logrus.Warnf("certificate scan: %s: %v", path, err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := entry.Name()
		if entry.IsDir() {
			if path != rootDir && (name == "backups" || name == "archive" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if _, ok := certExtensions[strings.ToLower(filepath.Ext(name))]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		logrus.Errorf("certificate scan of %s: %v", rootDir, err)
	}

	return files
}
