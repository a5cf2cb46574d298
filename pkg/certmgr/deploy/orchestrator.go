// Package deploy executes the ordered post-renewal action list of a
// certificate: local and remote copies, container restarts, HTTP calls and
// mail, with per-action accounting. One action failing never aborts the
// rest of the list.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

// Transport default timeouts, used when an action carries none.
const (
	httpTimeout   = 30 * time.Second
	remoteTimeout = 60 * time.Second
)

type executor func(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error)

type Orchestrator struct {
	executors map[string]executor
	disabled  map[string]string // action type -> reason
}

type Option func(*Orchestrator)

// WithDisabledTransport marks an action type unavailable. Its actions fail
// at dispatch with FeatureUnavailable instead of being attempted.
func WithDisabledTransport(actionType, reason string) Option {
	return func(o *Orchestrator) {
		o.disabled[actionType] = reason
	}
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		disabled: map[string]string{},
	}
	o.executors = map[string]executor{
		model.ActionCopy:          o.runCopy,
		model.ActionCommand:       o.runCommand,
		model.ActionDockerRestart: o.runDockerRestart,
		model.ActionNPM:           o.runNginxProxyManager,
		model.ActionSSHCopy:       o.runSSHCopy,
		model.ActionSMBCopy:       o.runSMBCopy,
		model.ActionFTPCopy:       o.runFTPCopy,
		model.ActionAPICall:       o.runAPICall,
		model.ActionWebhook:       o.runWebhook,
		model.ActionEmail:         o.runEmail,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the certificate's action list in order. Disabled actions
// are skipped; everything else counts as executed whether it succeeds or
// not. The batch stops early only when ctx itself ends.
func (o *Orchestrator) Execute(ctx context.Context, cert *model.Certificate) *model.DeployResult {
	result := &model.DeployResult{
		RunID:    util.NewID(),
		Failures: []model.ActionFailure{},
		Details:  []model.ActionResult{},
	}
	logrus.Infof("deploy %s: run %s with %d actions", cert.Name, result.RunID, len(cert.Config.DeployActions))

	for _, action := range cert.Config.DeployActions {
		if ctx.Err() != nil {
			break
		}
		if !action.IsEnabled() {
			logrus.Debugf("deploy %s: action %s disabled, skipping", cert.Name, action.Type)
			continue
		}

		result.ActionsExecuted++
		message, err := o.runOne(ctx, cert, action)

		detail := model.ActionResult{
			Type:    action.Type,
			Name:    action.Name,
			Success: err == nil,
			Message: message,
		}
		if err != nil {
			detail.Message = err.Error()
			result.Failures = append(result.Failures, model.ActionFailure{
				Type:   action.Type,
				Error:  err.Error(),
				Action: action,
			})
			logrus.Warnf("deploy %s: %s failed: %v", cert.Name, action.Type, err)
		} else {
			logrus.Infof("deploy %s: %s ok", cert.Name, action.Type)
		}
		result.Details = append(result.Details, detail)
	}

	result.Success = len(result.Failures) == 0
	return result
}

func (o *Orchestrator) runOne(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	if reason, off := o.disabled[action.Type]; off {
		return "", fmt.Errorf("%s: %s: %w", action.Type, reason, model.ErrFeatureUnavailable)
	}
	exec, ok := o.executors[action.Type]
	if !ok {
		return "", fmt.Errorf("unknown action type %q: %w", action.Type, model.ErrInvalidParameter)
	}

	actionCtx := ctx
	if timeout := actionTimeout(action); timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	message, err := exec(actionCtx, cert, action)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(actionCtx.Err(), context.DeadlineExceeded)) {
		err = fmt.Errorf("%s timed out: %w", action.Type, model.ErrCancelled)
	}
	return message, err
}

// actionTimeout resolves the effective timeout: explicit per-action value,
// else the transport default. Commands run unbounded by default.
func actionTimeout(action model.DeployAction) time.Duration {
	if action.TimeoutSeconds > 0 {
		return time.Duration(action.TimeoutSeconds) * time.Second
	}
	switch action.Type {
	case model.ActionCommand:
		return 0
	case model.ActionSSHCopy, model.ActionSMBCopy, model.ActionFTPCopy:
		return remoteTimeout
	default:
		return httpTimeout
	}
}

// resolveSource maps a logical artifact name onto the certificate's path
// table; anything else is treated as a literal path after substitution.
func resolveSource(cert *model.Certificate, source string, now time.Time) (string, error) {
	logical := map[string]string{
		"cert":      primaryArtifact(cert),
		"key":       cert.Paths["key"],
		"chain":     cert.Paths["chain"],
		"fullchain": cert.Paths["fullchain"],
		"p12":       cert.Paths["p12"],
		"pem":       cert.Paths["pem"],
	}
	if path, ok := logical[source]; ok {
		if path == "" {
			return "", fmt.Errorf("certificate has no %q artifact: %w", source, model.ErrNotFound)
		}
		return path, nil
	}

	path := Substitute(source, cert, now)
	if path == "" {
		return "", fmt.Errorf("empty source: %w", model.ErrInvalidParameter)
	}
	return path, nil
}

func primaryArtifact(cert *model.Certificate) string {
	for _, key := range []string{"crt", "pem", "cer"} {
		if path, ok := cert.Paths[key]; ok {
			return path
		}
	}
	return ""
}

// parsePermissions accepts an octal string like "0644" or "644".
func parsePermissions(raw string) (os.FileMode, error) {
	if raw == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("permissions %q: %w", raw, model.ErrInvalidParameter)
	}
	return os.FileMode(mode), nil
}
