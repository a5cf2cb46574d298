// Package catalog maintains the authoritative in-memory index of managed
// certificates, keyed by fingerprint, together with its persisted policy
// document and the cache-consistency protocol for incremental updates.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/pkix"
	"github.com/certkeep/certkeep/pkg/util"
)

// SecretStore is the slice of the passphrase vault the catalog consults.
type SecretStore interface {
	Has(fingerprint string) bool
	Get(fingerprint string) *string
}

// Renewer dispatches renewal and creation. The renewal engine registers
// itself after construction; the catalog never owns certificate issuance.
type Renewer interface {
	Renew(ctx context.Context, fingerprint string, opts model.RenewOptions) (*model.RenewResult, error)
	Create(ctx context.Context, opts model.CreateOptions) (*model.RenewResult, error)
}

// ChangeListener observes catalog mutations.
type ChangeListener func(fingerprint string, kind model.ChangeKind)

type Catalog struct {
	provider pkix.CryptoProvider
	vault    SecretStore
	certsDir string

	configPath string

	mu              sync.RWMutex
	byFingerprint   map[string]*model.Certificate
	pendingChanges  map[string]struct{}
	lastRefreshTime time.Time
	loadedDigests   map[string]fingerprintDigest
	renewer         Renewer
	listeners       []ChangeListener
}

func New(provider pkix.CryptoProvider, vault SecretStore, certsDir, configDir string) *Catalog {
	return &Catalog{
		provider:       provider,
		vault:          vault,
		certsDir:       certsDir,
		configPath:     filepath.Join(configDir, ConfigFileName),
		byFingerprint:  map[string]*model.Certificate{},
		pendingChanges: map[string]struct{}{},
	}
}

func (c *Catalog) SetRenewer(renewer Renewer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewer = renewer
}

// OnChange registers a listener for catalog mutations. Listeners are
// invoked outside the catalog mutex.
func (c *Catalog) OnChange(listener ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *Catalog) notify(fingerprint string, kind model.ChangeKind) {
	c.mu.RLock()
	listeners := append([]ChangeListener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, listener := range listeners {
		listener(fingerprint, kind)
	}
}

// CertsDir returns the root of the managed certificates tree.
func (c *Catalog) CertsDir() string {
	return c.certsDir
}

// IsCacheValid reports whether readers may be served from the in-memory
// index. Callers seeing pending changes should additionally schedule a
// background RefreshCached.
func (c *Catalog) IsCacheValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFingerprint) > 0 && !c.lastRefreshTime.IsZero()
}

// PendingChanges returns the fingerprints known to be stale against disk.
func (c *Catalog) PendingChanges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Keys(c.pendingChanges)
}

// LoadAll rebuilds the catalog from a filesystem scan merged with the
// persisted configuration. With forceReload false a valid cache short
// circuits.
func (c *Catalog) LoadAll(forceReload bool) error {
	if !forceReload && c.IsCacheValid() {
		return nil
	}

	doc := loadConfigDocument(c.configPath)
	discovered := c.parseDiscovered(doc)

	c.mu.Lock()
	c.byFingerprint = discovered
	c.loadedDigests = documentDigests(doc)
	c.updateCARelationshipsLocked()
	c.pendingChanges = map[string]struct{}{}
	c.lastRefreshTime = time.Now()
	dirty := c.isDirtyLocked()
	var persistErr error
	if dirty {
		persistErr = c.persistLocked()
	}
	c.mu.Unlock()

	if persistErr != nil {
		return persistErr
	}
	logrus.Infof("catalog loaded: %d certificates", len(discovered))
	return nil
}

// ForceRefresh invalidates and rebuilds the catalog.
func (c *Catalog) ForceRefresh() error {
	c.Invalidate(nil)
	return c.LoadAll(true)
}

// Invalidate with nil clears pendingChanges and wipes lastRefreshTime;
// with fingerprints it marks those entries stale.
func (c *Catalog) Invalidate(fingerprints []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fingerprints == nil {
		c.pendingChanges = map[string]struct{}{}
		c.lastRefreshTime = time.Time{}
		return
	}
	for _, fp := range fingerprints {
		c.pendingChanges[model.NormalizeFingerprint(fp)] = struct{}{}
	}
}

// NotifyChanged marks an entry stale. Repeated notifications collapse into
// one pending refresh. Creations and deletions additionally wipe
// lastRefreshTime since the fingerprint set itself is stale.
func (c *Catalog) NotifyChanged(fingerprint string, kind model.ChangeKind) {
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.Lock()
	c.pendingChanges[fp] = struct{}{}
	if kind == model.ChangeCreate || kind == model.ChangeDelete {
		c.lastRefreshTime = time.Time{}
	}
	c.mu.Unlock()
}

// RefreshCached re-parses only the given fingerprints, dropping entries
// whose artifact vanished. Returns the number of entries refreshed.
func (c *Catalog) RefreshCached(fingerprints []string) (int, error) {
	refreshed := 0
	changed := false
	var notifications [][2]string

	c.mu.Lock()
	for _, raw := range fingerprints {
		fp := model.NormalizeFingerprint(raw)
		delete(c.pendingChanges, fp)

		entry, ok := c.byFingerprint[fp]
		if !ok {
			continue
		}

		primary := primaryPath(entry)
		if primary == "" || !util.FileExists(primary) {
			delete(c.byFingerprint, fp)
			notifications = append(notifications, [2]string{fp, string(model.ChangeDelete)})
			changed = true
			refreshed++
			continue
		}

		info, err := c.provider.ParseCertificate(primary)
		if err != nil {
			logrus.Warnf("refresh %s: %v", fp, err)
			continue
		}

		if info.Fingerprint != fp {
			c.rekeyLocked(entry, info)
			notifications = append(notifications, [2]string{info.Fingerprint, string(model.ChangeUpdate)})
		} else {
			applyInfo(entry, info)
			entry.Paths = verifiedPaths(entry.Paths)
			notifications = append(notifications, [2]string{fp, string(model.ChangeUpdate)})
		}
		changed = true
		refreshed++
	}

	var persistErr error
	if changed {
		c.updateCARelationshipsLocked()
		persistErr = c.persistLocked()
	}
	c.mu.Unlock()

	for _, n := range notifications {
		c.notify(n[0], model.ChangeKind(n[1]))
	}
	return refreshed, persistErr
}

// FindByPath returns a copy of the entry owning the given artifact path.
func (c *Catalog) FindByPath(path string) (*model.Certificate, bool) {
	path = filepath.Clean(path)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.byFingerprint {
		for _, artifact := range entry.Paths {
			if filepath.Clean(artifact) == path {
				return entry.Clone(), true
			}
		}
	}
	return nil, false
}

// Get returns a copy of the entry for the (normalized) fingerprint.
func (c *Catalog) Get(fingerprint string) (*model.Certificate, error) {
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byFingerprint[fp]
	if !ok {
		return nil, model.ErrCertNotFound
	}
	return entry.Clone(), nil
}

// GetAll returns copies of every entry, sorted by name.
func (c *Catalog) GetAll() []*model.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*model.Certificate, 0, len(c.byFingerprint))
	for _, entry := range c.byFingerprint {
		entries = append(entries, entry.Clone())
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
	return entries
}

// GetAllWithMetadata decorates every entry with expiry status and the signing
// CA's resolved name and passphrase availability.
func (c *Catalog) GetAllWithMetadata() []model.CertificateMetadata {
	now := time.Now()
	entries := c.GetAll()

	c.mu.RLock()
	defer c.mu.RUnlock()

	decorated := make([]model.CertificateMetadata, 0, len(entries))
	for _, entry := range entries {
		meta := model.CertificateMetadata{
			Certificate:        *entry,
			IsExpiredNow:       entry.IsExpired(now),
			DaysUntilExpiryNow: entry.DaysUntilExpiry(now),
		}
		meta.IsExpiringSoon = !meta.IsExpiredNow && meta.DaysUntilExpiryNow <= entry.RenewWindowDays()

		if caFP := entry.Config.CAFingerprint; caFP != "" {
			if ca, ok := c.byFingerprint[caFP]; ok {
				meta.ResolvedCAName = ca.Name
				meta.CAPassphraseRequired = ca.NeedsPassphrase
				meta.CAPassphraseAvailable = c.vault.Has(caFP)
			}
		}
		decorated = append(decorated, meta)
	}
	return decorated
}

// Delete backs up the entry's artifacts, removes them from disk, drops the
// entry and persists.
func (c *Catalog) Delete(fingerprint string) error {
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.Lock()
	entry, ok := c.byFingerprint[fp]
	if !ok {
		c.mu.Unlock()
		return model.ErrCertNotFound
	}
	paths := lo.Assign(map[string]string{}, entry.Paths)
	c.mu.Unlock()

	// Filesystem work happens outside the writer lock.
	if err := backupArtifacts(paths); err != nil {
		return fmt.Errorf("backup before delete: %s: %w", err.Error(), model.ErrIO)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, model.ErrIO)
		}
	}

	c.mu.Lock()
	delete(c.byFingerprint, fp)
	delete(c.pendingChanges, fp)
	err := c.persistLocked()
	c.mu.Unlock()

	c.notify(fp, model.ChangeDelete)
	return err
}

// AddDomain adds a SAN domain to the active or idle set. Adding a value
// already present in either set is a conflict.
func (c *Catalog) AddDomain(fingerprint, domain string, idle bool) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("empty domain: %w", model.ErrInvalidParameter)
	}
	return c.mutateSANs(fingerprint, func(sans *model.SANs) error {
		if lo.Contains(sans.Domains, domain) || lo.Contains(sans.IdleDomains, domain) {
			return fmt.Errorf("domain %q already present: %w", domain, model.ErrConflict)
		}
		if idle {
			sans.IdleDomains = append(sans.IdleDomains, domain)
		} else {
			sans.Domains = append(sans.Domains, domain)
		}
		return nil
	})
}

func (c *Catalog) RemoveDomain(fingerprint, domain string, idle bool) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return c.mutateSANs(fingerprint, func(sans *model.SANs) error {
		set := &sans.Domains
		if idle {
			set = &sans.IdleDomains
		}
		if !lo.Contains(*set, domain) {
			return fmt.Errorf("domain %q: %w", domain, model.ErrNotFound)
		}
		*set = lo.Without(*set, domain)
		return nil
	})
}

func (c *Catalog) AddIP(fingerprint, ip string, idle bool) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return fmt.Errorf("empty ip: %w", model.ErrInvalidParameter)
	}
	return c.mutateSANs(fingerprint, func(sans *model.SANs) error {
		if lo.Contains(sans.IPs, ip) || lo.Contains(sans.IdleIPs, ip) {
			return fmt.Errorf("ip %q already present: %w", ip, model.ErrConflict)
		}
		if idle {
			sans.IdleIPs = append(sans.IdleIPs, ip)
		} else {
			sans.IPs = append(sans.IPs, ip)
		}
		return nil
	})
}

func (c *Catalog) RemoveIP(fingerprint, ip string, idle bool) error {
	ip = strings.TrimSpace(ip)
	return c.mutateSANs(fingerprint, func(sans *model.SANs) error {
		set := &sans.IPs
		if idle {
			set = &sans.IdleIPs
		}
		if !lo.Contains(*set, ip) {
			return fmt.Errorf("ip %q: %w", ip, model.ErrNotFound)
		}
		*set = lo.Without(*set, ip)
		return nil
	})
}

func (c *Catalog) mutateSANs(fingerprint string, mutate func(*model.SANs) error) error {
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.Lock()
	entry, ok := c.byFingerprint[fp]
	if !ok {
		c.mu.Unlock()
		return model.ErrCertNotFound
	}
	if err := mutate(&entry.SANs); err != nil {
		c.mu.Unlock()
		return err
	}
	entry.SANs.Normalize()
	entry.ModificationTime = time.Now().UnixMilli()
	err := c.persistLocked()
	c.mu.Unlock()

	c.notify(fp, model.ChangeUpdate)
	return err
}

// ApplyIdleSubjectsAndRenew promotes the idle SAN sets into the active
// ones, persists, then dispatches a renewal so the new certificate carries
// them.
func (c *Catalog) ApplyIdleSubjectsAndRenew(ctx context.Context, fingerprint string, opts model.RenewOptions) (*model.RenewResult, error) {
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.Lock()
	renewer := c.renewer
	entry, ok := c.byFingerprint[fp]
	if !ok {
		c.mu.Unlock()
		return nil, model.ErrCertNotFound
	}
	entry.SANs.Domains = append(entry.SANs.Domains, entry.SANs.IdleDomains...)
	entry.SANs.IPs = append(entry.SANs.IPs, entry.SANs.IdleIPs...)
	entry.SANs.IdleDomains = nil
	entry.SANs.IdleIPs = nil
	entry.SANs.Normalize()
	entry.ModificationTime = time.Now().UnixMilli()
	err := c.persistLocked()
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c.notify(fp, model.ChangeUpdate)

	if renewer == nil {
		return nil, fmt.Errorf("no renewer registered: %w", model.ErrInternal)
	}
	return renewer.Renew(ctx, fp, opts)
}

// CreateOrRenew creates a new entry when fingerprint is empty, renews
// otherwise.
func (c *Catalog) CreateOrRenew(ctx context.Context, fingerprint string, createOpts *model.CreateOptions, renewOpts model.RenewOptions) (*model.RenewResult, error) {
	c.mu.RLock()
	renewer := c.renewer
	c.mu.RUnlock()
	if renewer == nil {
		return nil, fmt.Errorf("no renewer registered: %w", model.ErrInternal)
	}

	if fingerprint == "" {
		if createOpts == nil {
			return nil, fmt.Errorf("creation needs options: %w", model.ErrInvalidParameter)
		}
		return renewer.Create(ctx, *createOpts)
	}
	return renewer.Renew(ctx, model.NormalizeFingerprint(fingerprint), renewOpts)
}

// UpdateConfig merge-updates policy fields.
func (c *Catalog) UpdateConfig(fingerprint string, patch model.ConfigPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	fp := model.NormalizeFingerprint(fingerprint)

	c.mu.Lock()
	entry, ok := c.byFingerprint[fp]
	if !ok {
		c.mu.Unlock()
		return model.ErrCertNotFound
	}

	if patch.Name != nil {
		entry.Name = *patch.Name
	}
	if patch.Description != nil {
		entry.Description = *patch.Description
	}
	if patch.AutoRenew != nil {
		entry.Config.AutoRenew = *patch.AutoRenew
	}
	if patch.RenewDaysBeforeExpiry != nil {
		entry.Config.RenewDaysBeforeExpiry = *patch.RenewDaysBeforeExpiry
	}
	if patch.SignWithCA != nil {
		entry.Config.SignWithCA = *patch.SignWithCA
	}
	if patch.CAFingerprint != nil {
		entry.Config.CAFingerprint = model.NormalizeFingerprint(*patch.CAFingerprint)
		if ca, ok := c.byFingerprint[entry.Config.CAFingerprint]; ok {
			entry.Config.CAName = ca.Name
		}
	}
	if patch.DeployActions != nil {
		entry.Config.DeployActions = append([]model.DeployAction(nil), (*patch.DeployActions)...)
	}
	if patch.ACMESettings != nil {
		entry.ACMESettings = patch.ACMESettings
	}
	entry.ModificationTime = time.Now().UnixMilli()
	err := c.persistLocked()
	c.mu.Unlock()

	c.notify(fp, model.ChangeUpdate)
	return err
}

// ReplaceAfterRenewal publishes a renewed certificate in one logical step:
// the entry is re-keyed under the new fingerprint, the old fingerprint is
// archived into previousVersions with a bumped version, CA relations are
// recomputed and the document persisted. Observers see the new entry and
// its archival record together.
func (c *Catalog) ReplaceAfterRenewal(oldFingerprint string, info *pkix.CertificateInfo, paths map[string]string) (*model.Certificate, error) {
	oldFP := model.NormalizeFingerprint(oldFingerprint)

	c.mu.Lock()
	entry, ok := c.byFingerprint[oldFP]
	if !ok {
		c.mu.Unlock()
		return nil, model.ErrCertNotFound
	}
	if paths != nil {
		entry.Paths = verifiedPaths(paths)
	}
	c.rekeyLocked(entry, info)
	c.updateCARelationshipsLocked()
	delete(c.pendingChanges, oldFP)
	err := c.persistLocked()
	published := entry.Clone()
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c.notify(published.Fingerprint, model.ChangeUpdate)
	return published, nil
}

// InsertNew registers a freshly created certificate entry and persists.
func (c *Catalog) InsertNew(entry *model.Certificate) error {
	fp := model.NormalizeFingerprint(entry.Fingerprint)
	entry.Fingerprint = fp
	entry.SANs.Normalize()
	entry.Paths = verifiedPaths(entry.Paths)
	entry.ModificationTime = time.Now().UnixMilli()

	c.mu.Lock()
	c.byFingerprint[fp] = entry.Clone()
	c.updateCARelationshipsLocked()
	err := c.persistLocked()
	c.mu.Unlock()

	c.notify(fp, model.ChangeCreate)
	return err
}

// rekeyLocked moves entry under info's fingerprint, archiving the previous
// identity. Caller holds the writer lock.
func (c *Catalog) rekeyLocked(entry *model.Certificate, info *pkix.CertificateInfo) {
	oldFP := entry.Fingerprint
	if entry.PreviousVersions == nil {
		entry.PreviousVersions = map[string]model.PreviousVersion{}
	}

	maxVersion := 0
	for _, prev := range entry.PreviousVersions {
		if prev.Version > maxVersion {
			maxVersion = prev.Version
		}
	}
	entry.PreviousVersions[oldFP] = model.PreviousVersion{
		Version:      maxVersion + 1,
		ArchivedAt:   time.Now().UnixMilli(),
		Name:         entry.Name,
		Subject:      entry.Subject,
		SerialNumber: entry.SerialNumber,
		ValidFrom:    entry.ValidFrom,
		ValidTo:      entry.ValidTo,
	}

	applyInfo(entry, info)
	entry.ModificationTime = time.Now().UnixMilli()

	delete(c.byFingerprint, oldFP)
	c.byFingerprint[entry.Fingerprint] = entry
}

// persistLocked writes the document if the dirty check says disk is stale.
// Caller holds the writer lock.
func (c *Catalog) persistLocked() error {
	doc := newConfigDocument()
	for fp, entry := range c.byFingerprint {
		doc.Certificates[fp] = entry.Clone()
	}

	if err := saveConfigDocument(c.configPath, doc); err != nil {
		return err
	}
	c.loadedDigests = documentDigests(doc)
	return nil
}

func (c *Catalog) isDirtyLocked() bool {
	if c.loadedDigests == nil {
		return true
	}
	if len(c.loadedDigests) != len(c.byFingerprint) {
		return true
	}
	for fp, entry := range c.byFingerprint {
		loaded, ok := c.loadedDigests[fp]
		if !ok || loaded != digestOf(entry) {
			return true
		}
	}
	return false
}

// updateCARelationshipsLocked resolves the signing CA of every
// non-self-signed entry by parent lookup and clears the association when no
// parent is present in the catalog. The pass is idempotent. Caller holds the
// writer lock.
func (c *Catalog) updateCARelationshipsLocked() {
	infos := make([]*pkix.CertificateInfo, 0, len(c.byFingerprint))
	byFP := make(map[string]*model.Certificate, len(c.byFingerprint))
	for fp, entry := range c.byFingerprint {
		infos = append(infos, infoView(entry))
		byFP[fp] = entry
	}

	for _, entry := range c.byFingerprint {
		if entry.SelfSigned {
			continue
		}
		parent := c.provider.FindParent(infoView(entry), infos)
		if parent != nil && parent.Fingerprint != entry.Fingerprint {
			candidate := byFP[parent.Fingerprint]
			if candidate != nil && candidate.IsCA {
				entry.Config.SignWithCA = true
				entry.Config.CAFingerprint = parent.Fingerprint
				entry.Config.CAName = candidate.Name
				continue
			}
		}
		if entry.Config.CAFingerprint != "" {
			logrus.Warnf("certificate %s references CA %s which is not in the catalog; clearing the association",
				entry.Fingerprint, entry.Config.CAFingerprint)
			entry.Config.SignWithCA = false
			entry.Config.CAFingerprint = ""
			entry.Config.CAName = ""
		}
	}
}

// parseDiscovered builds fresh entries from a directory scan merged with
// the persisted document. Parse failures on individual files are logged
// and skipped.
func (c *Catalog) parseDiscovered(doc *configDocument) map[string]*model.Certificate {
	fresh := map[string]*model.Certificate{}

	for _, file := range discoverCertFiles(c.certsDir) {
		info, err := c.provider.ParseCertificate(file)
		if err != nil {
			logrus.Warnf("skipping %s: %v", file, err)
			continue
		}

		formatKey := certExtensions[strings.ToLower(filepath.Ext(file))]
		entry, ok := fresh[info.Fingerprint]
		if !ok {
			entry = &model.Certificate{
				Fingerprint: info.Fingerprint,
				Paths:       map[string]string{},
			}
			applyInfo(entry, info)
			fresh[info.Fingerprint] = entry
		}
		if _, taken := entry.Paths[formatKey]; !taken {
			entry.Paths[formatKey] = file
		}
	}

	for fp, entry := range fresh {
		primary := primaryPath(entry)

		if key := findKeyFile(primary); key != "" {
			entry.Paths["key"] = key
		}
		for format, path := range siblingFormats(primary) {
			if _, taken := entry.Paths[format]; !taken {
				entry.Paths[format] = path
			}
		}

		if persisted, ok := doc.Certificates[fp]; ok {
			mergePersisted(entry, persisted)
		}
		entry.Paths = verifiedPaths(entry.Paths)

		if entry.Name == "" {
			if cn := pkix.DNCommonName(entry.Subject); cn != "" {
				entry.Name = cn
			} else {
				entry.Name = strings.TrimSuffix(filepath.Base(primary), filepath.Ext(primary))
			}
		}
		if entry.Config.RenewDaysBeforeExpiry == 0 {
			entry.Config.RenewDaysBeforeExpiry = model.DefaultRenewDaysBeforeExpiry
		}

		entry.HasPassphrase = c.vault.Has(fp)
		if keyPath, ok := entry.Paths["key"]; ok {
			entry.NeedsPassphrase = c.provider.IsKeyEncrypted(keyPath)
		} else {
			entry.NeedsPassphrase = false
		}
		entry.PassphraseChecked = true
	}

	return fresh
}

// mergePersisted carries policy and bookkeeping from the persisted
// document onto a freshly parsed entry. X.509 facts always come from disk.
func mergePersisted(entry, persisted *model.Certificate) {
	entry.Name = persisted.Name
	entry.Description = persisted.Description
	entry.Config = persisted.Config
	entry.Config.DeployActions = append([]model.DeployAction(nil), persisted.Config.DeployActions...)
	entry.PreviousVersions = lo.Assign(map[string]model.PreviousVersion{}, persisted.PreviousVersions)
	entry.ACMESettings = append(json.RawMessage(nil), persisted.ACMESettings...)
	entry.ModificationTime = persisted.ModificationTime
	if persisted.CertType == model.CertTypeACME && entry.CertType == model.CertTypeStandard {
		entry.CertType = model.CertTypeACME
	}

	// Idle SANs live only in the document; active ones come from the
	// certificate itself.
	entry.SANs.IdleDomains = append([]string(nil), persisted.SANs.IdleDomains...)
	entry.SANs.IdleIPs = append([]string(nil), persisted.SANs.IdleIPs...)
	entry.SANs.Normalize()

	for format, path := range persisted.Paths {
		if _, taken := entry.Paths[format]; !taken {
			entry.Paths[format] = path
		}
	}
}

// applyInfo copies the parsed X.509 facts onto the entry.
func applyInfo(entry *model.Certificate, info *pkix.CertificateInfo) {
	entry.Fingerprint = info.Fingerprint
	entry.Subject = info.Subject
	entry.Issuer = info.Issuer
	entry.ValidFrom = info.ValidFrom.Unix()
	entry.ValidTo = info.ValidTo.Unix()
	entry.SerialNumber = info.SerialNumber
	entry.SignatureAlgorithm = info.SignatureAlgorithm
	entry.KeyType = info.KeyType
	entry.KeySize = info.KeySize
	entry.SubjectKeyID = info.SubjectKeyID
	entry.AuthorityKeyID = info.AuthorityKeyID
	// An acme type is operator-assigned and invisible in the X.509 shape;
	// parsing can only demote it to standard, never confirm it.
	if entry.CertType != model.CertTypeACME || info.CertType() != model.CertTypeStandard {
		entry.CertType = info.CertType()
	}
	entry.IsCA = info.IsCA
	entry.IsRootCA = info.IsRootCA
	entry.SelfSigned = info.SelfSigned
	entry.PathLenConstraint = info.PathLenConstraint
	entry.SANs.Domains = append([]string(nil), info.SANs.Domains...)
	entry.SANs.IPs = append([]string(nil), info.SANs.IPs...)
	entry.SANs.Normalize()
}

// infoView projects a catalog entry back into the provider's parent
// resolution view without touching disk.
func infoView(entry *model.Certificate) *pkix.CertificateInfo {
	return &pkix.CertificateInfo{
		Fingerprint:    entry.Fingerprint,
		Subject:        entry.Subject,
		Issuer:         entry.Issuer,
		IssuerCN:       pkix.DNCommonName(entry.Issuer),
		SubjectKeyID:   entry.SubjectKeyID,
		AuthorityKeyID: entry.AuthorityKeyID,
		IsCA:           entry.IsCA,
		SelfSigned:     entry.SelfSigned,
	}
}

// primaryPath picks the leading artifact of an entry.
func primaryPath(entry *model.Certificate) string {
	for _, key := range []string{"crt", "pem", "cer"} {
		if path, ok := entry.Paths[key]; ok {
			return path
		}
	}
	return ""
}

// verifiedPaths drops path entries whose backing file no longer exists.
func verifiedPaths(paths map[string]string) map[string]string {
	verified := make(map[string]string, len(paths))
	for format, path := range paths {
		if util.FileExists(path) {
			verified[format] = path
		}
	}
	return verified
}

// backupArtifacts copies artifact files into a timestamped backup
// directory next to them.
func backupArtifacts(paths map[string]string) error {
	if len(paths) == 0 {
		return nil
	}

	var anyPath string
	for _, path := range paths {
		anyPath = path
		break
	}
	backupDir := filepath.Join(filepath.Dir(anyPath), "backups", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	for _, path := range paths {
		if !util.FileExists(path) {
			continue
		}
		if err := util.CopyFile(path, filepath.Join(backupDir, filepath.Base(path)), 0); err != nil {
			return err
		}
	}
	return nil
}
