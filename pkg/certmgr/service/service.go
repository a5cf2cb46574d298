// Package service wires the lifecycle manager together: catalog, vault,
// renewal engine, deployment orchestrator and the filesystem watcher, plus
// the background loops that keep the catalog fresh and renew expiring
// certificates.
package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/catalog"
	"github.com/certkeep/certkeep/pkg/certmgr/deploy"
	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/certmgr/renewal"
	"github.com/certkeep/certkeep/pkg/certmgr/scanner"
	"github.com/certkeep/certkeep/pkg/certmgr/vault"
	"github.com/certkeep/certkeep/pkg/config"
	"github.com/certkeep/certkeep/pkg/pkix"
)

type Manager struct {
	cfg config.ManagerConfig

	provider     pkix.CryptoProvider
	vault        *vault.Vault
	catalog      *catalog.Catalog
	engine       *renewal.Engine
	orchestrator *deploy.Orchestrator
	watcher      *scanner.Scanner
}

func New(cfg config.ManagerConfig) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CertsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create certs dir: %s: %w", err.Error(), model.ErrIO)
	}
	if cfg.ConfigDir != cfg.CertsDir {
		if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
			return nil, fmt.Errorf("create config dir: %s: %w", err.Error(), model.ErrIO)
		}
	}

	secrets, err := vault.Open(cfg.ConfigDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		provider: pkix.NewProvider(),
		vault:    secrets,
	}
	m.catalog = catalog.New(m.provider, secrets, cfg.CertsDir, cfg.ConfigDir)
	m.watcher = scanner.New(cfg.CertsDir, m.handleEvent)
	m.engine = renewal.NewEngine(m.provider, m.catalog, secrets, m.watcher)
	m.catalog.SetRenewer(m.engine)

	var deployOpts []deploy.Option
	for _, transport := range cfg.DisabledTransports {
		deployOpts = append(deployOpts, deploy.WithDisabledTransport(transport, "disabled by configuration"))
	}
	m.orchestrator = deploy.NewOrchestrator(deployOpts...)

	return m, nil
}

func (m *Manager) Catalog() *catalog.Catalog          { return m.catalog }
func (m *Manager) Vault() *vault.Vault                { return m.vault }
func (m *Manager) Engine() *renewal.Engine            { return m.engine }
func (m *Manager) Orchestrator() *deploy.Orchestrator { return m.orchestrator }

// Load performs the initial catalog build. CLI verbs that do not run the
// full service call this directly.
func (m *Manager) Load() error {
	return m.catalog.LoadAll(false)
}

// Run starts the watcher and the background loops and blocks until ctx
// ends.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.catalog.LoadAll(false); err != nil {
		return err
	}

	if m.cfg.Watch {
		if err := m.watcher.Start(ctx); err != nil {
			logrus.Warnf("filesystem watcher unavailable, relying on rescans: %v", err)
		} else {
			defer m.watcher.Stop()
		}
	}

	go m.refreshLoop(ctx)
	go m.autoRenewLoop(ctx)
	if m.cfg.RescanInterval > 0 {
		go m.rescanLoop(ctx)
	}

	<-ctx.Done()
	logrus.Info("shutting down")
	return nil
}

// handleEvent folds watcher events into the catalog's pending-change
// protocol. Events on unknown paths invalidate the whole cache, since a
// new artifact may have appeared.
func (m *Manager) handleEvent(event scanner.Event) {
	entry, known := m.catalog.FindByPath(event.Path)
	if !known {
		if event.Kind == scanner.EventRemoved {
			return
		}
		logrus.Infof("new artifact %s, scheduling reload", event.Path)
		m.catalog.Invalidate(nil)
		return
	}

	switch event.Kind {
	case scanner.EventRemoved:
		m.catalog.NotifyChanged(entry.Fingerprint, model.ChangeDelete)
	case scanner.EventCreated:
		m.catalog.NotifyChanged(entry.Fingerprint, model.ChangeCreate)
	default:
		m.catalog.NotifyChanged(entry.Fingerprint, model.ChangeUpdate)
	}
}

// refreshLoop folds pending changes back into the catalog.
func (m *Manager) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second * time.Duration(m.cfg.RefreshInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.catalog.IsCacheValid() {
				if err := m.catalog.LoadAll(true); err != nil {
					logrus.Warnf("catalog reload: %v", err)
				}
				continue
			}
			pending := m.catalog.PendingChanges()
			if len(pending) == 0 {
				continue
			}
			if _, err := m.catalog.RefreshCached(pending); err != nil {
				logrus.Warnf("catalog refresh: %v", err)
			}
		}
	}
}

func (m *Manager) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second * time.Duration(m.cfg.RescanInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.catalog.ForceRefresh(); err != nil {
				logrus.Warnf("catalog rescan: %v", err)
			}
		}
	}
}

// autoRenewLoop renews certificates inside their renewal window and runs
// their deploy actions afterwards.
func (m *Manager) autoRenewLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second * time.Duration(m.cfg.AutoRenewInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewDue(ctx)
		}
	}
}

func (m *Manager) renewDue(ctx context.Context) {
	for _, meta := range m.catalog.GetAllWithMetadata() {
		if !meta.Config.AutoRenew {
			continue
		}
		if !meta.IsExpiredNow && !meta.IsExpiringSoon {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		logrus.Infof("auto-renewing %s (%d days until expiry)", meta.Name, meta.DaysUntilExpiryNow)
		if _, err := m.RenewAndDeploy(ctx, meta.Fingerprint, model.RenewOptions{}); err != nil {
			logrus.Errorf("auto-renew %s: %v", meta.Name, err)
		}
	}
}

// RenewAndDeploy renews one certificate and, on success, runs its deploy
// action list against the renewed entry. Deploy failures do not undo the
// renewal.
func (m *Manager) RenewAndDeploy(ctx context.Context, fingerprint string, opts model.RenewOptions) (*model.RenewResult, error) {
	result, err := m.engine.Renew(ctx, fingerprint, opts)
	if err != nil {
		return nil, err
	}

	entry, err := m.catalog.Get(result.Fingerprint)
	if err != nil {
		return result, err
	}
	if len(entry.Config.DeployActions) > 0 {
		deployResult := m.orchestrator.Execute(ctx, entry)
		if !deployResult.Success {
			logrus.Warnf("deploy of %s finished with %d failures", entry.Name, len(deployResult.Failures))
		}
	}
	return result, nil
}
