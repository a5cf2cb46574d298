package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

var (
	dockerOnce   sync.Once
	dockerClient *client.Client
	dockerErr    error
)

// dockerAPI returns the shared daemon client. An unreachable daemon makes
// docker-backed actions fail with FeatureUnavailable instead of crashing.
func dockerAPI() (*client.Client, error) {
	dockerOnce.Do(func() {
		dockerClient, dockerErr = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	if dockerErr != nil {
		return nil, fmt.Errorf("docker daemon unavailable: %s: %w", dockerErr.Error(), model.ErrFeatureUnavailable)
	}
	return dockerClient, nil
}

type dockerRestartOptions struct {
	ContainerID   string `json:"containerId,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
}

func (o *Orchestrator) runDockerRestart(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts dockerRestartOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}

	api, err := dockerAPI()
	if err != nil {
		return "", err
	}

	id := opts.ContainerID
	if id == "" {
		id, err = resolveContainer(ctx, api, opts.ContainerName)
		if err != nil {
			return "", err
		}
	}

	if err := api.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return "", fmt.Errorf("restart container %s: %w", id, err)
	}

	if action.Verify {
		if err := verifyRunning(ctx, api, id); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("restarted container %s", id), nil
}

type npmOptions struct {
	// Path is a local nginx-proxy-manager data directory; ContainerName
	// targets the files inside a running container instead.
	Path          string `json:"path,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
	CertID        string `json:"certId"`
}

// runNginxProxyManager installs the certificate into an NPM custom_ssl
// slot and reloads nginx.
func (o *Orchestrator) runNginxProxyManager(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts npmOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	if opts.CertID == "" {
		return "", fmt.Errorf("nginx-proxy-manager needs certId: %w", model.ErrInvalidParameter)
	}

	certPath := primaryArtifact(cert)
	keyPath := cert.Paths["key"]
	if certPath == "" || keyPath == "" {
		return "", fmt.Errorf("certificate and key artifacts required: %w", model.ErrNotFound)
	}
	if fullchain, ok := cert.Paths["fullchain"]; ok {
		certPath = fullchain
	}

	slot := filepath.Join("custom_ssl", "npm-"+opts.CertID)

	if opts.Path != "" {
		destDir := filepath.Join(opts.Path, slot)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %s: %w", destDir, err.Error(), model.ErrIO)
		}
		if err := util.CopyFile(certPath, filepath.Join(destDir, "fullchain.pem"), 0o644); err != nil {
			return "", fmt.Errorf("install fullchain: %s: %w", err.Error(), model.ErrIO)
		}
		if err := util.CopyFile(keyPath, filepath.Join(destDir, "privkey.pem"), 0o600); err != nil {
			return "", fmt.Errorf("install privkey: %s: %w", err.Error(), model.ErrIO)
		}
		return fmt.Sprintf("installed certificate into %s", destDir), nil
	}

	api, err := dockerAPI()
	if err != nil {
		return "", err
	}
	id, err := resolveContainer(ctx, api, opts.ContainerName)
	if err != nil {
		return "", err
	}

	archive, err := npmTarball(certPath, keyPath, slot)
	if err != nil {
		return "", err
	}
	if err := api.CopyToContainer(ctx, id, "/data", archive, types.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("copy into container %s: %w", id, err)
	}
	if err := execInContainer(ctx, api, id, []string{"nginx", "-s", "reload"}); err != nil {
		return "", err
	}

	if action.Verify {
		if err := verifyRunning(ctx, api, id); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("installed certificate into container %s and reloaded nginx", id), nil
}

func resolveContainer(ctx context.Context, api *client.Client, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("container id or name required: %w", model.ErrInvalidParameter)
	}
	containers, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("container %q: %w", name, model.ErrNotFound)
	}
	return containers[0].ID, nil
}

func verifyRunning(ctx context.Context, api *client.Client, id string) error {
	inspected, err := api.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", id, err)
	}
	if inspected.State == nil || !inspected.State.Running {
		return fmt.Errorf("container %s is not running after deploy", id)
	}
	return nil
}

func execInContainer(ctx context.Context, api *client.Client, id string, cmd []string) error {
	created, err := api.ContainerExecCreate(ctx, id, types.ExecConfig{Cmd: cmd})
	if err != nil {
		return fmt.Errorf("exec create in %s: %w", id, err)
	}
	if err := api.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{}); err != nil {
		return fmt.Errorf("exec start in %s: %w", id, err)
	}
	return nil
}

// npmTarball packs the two artifacts under the NPM slot layout, relative
// to the /data mount.
func npmTarball(certPath, keyPath, slot string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	add := func(src, name string, mode int64) error {
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s: %s: %w", src, err.Error(), model.ErrIO)
		}
		header := &tar.Header{
			Name:    filepath.ToSlash(filepath.Join(slot, name)),
			Mode:    mode,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	}

	if err := add(certPath, "fullchain.pem", 0o644); err != nil {
		return nil, err
	}
	if err := add(keyPath, "privkey.pem", 0o600); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}
