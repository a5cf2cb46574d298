package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

type copyOptions struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Permissions string `json:"permissions,omitempty"`
}

func (o *Orchestrator) runCopy(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts copyOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	now := time.Now()

	source, err := resolveSource(cert, opts.Source, now)
	if err != nil {
		return "", err
	}
	destination := Substitute(opts.Destination, cert, now)
	if destination == "" {
		return "", fmt.Errorf("empty destination: %w", model.ErrInvalidParameter)
	}
	perm, err := parsePermissions(opts.Permissions)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("create destination directory: %s: %w", err.Error(), model.ErrIO)
	}
	if err := util.CopyFile(source, destination, perm); err != nil {
		return "", fmt.Errorf("copy %s -> %s: %s: %w", source, destination, err.Error(), model.ErrIO)
	}

	if action.Verify {
		if !util.FileExists(destination) {
			return "", fmt.Errorf("verification: %s missing after copy: %w", destination, model.ErrIO)
		}
	}
	return fmt.Sprintf("copied %s -> %s", source, destination), nil
}

type commandOptions struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Verbose bool              `json:"verbose,omitempty"`
}

// maxCommandOutput bounds the output carried into the action result.
const maxCommandOutput = 4096

func (o *Orchestrator) runCommand(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts commandOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	if strings.TrimSpace(opts.Command) == "" {
		return "", fmt.Errorf("empty command: %w", model.ErrInvalidParameter)
	}
	now := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", Substitute(opts.Command, cert, now))
	if opts.Cwd != "" {
		cmd.Dir = Substitute(opts.Cwd, cert, now)
	}
	cmd.Env = os.Environ()
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, key+"="+Substitute(value, cert, now))
	}

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput]
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %v: %s", err, text)
	}
	if opts.Verbose {
		return text, nil
	}
	return "command ok", nil
}
