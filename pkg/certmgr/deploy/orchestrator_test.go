package deploy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/deploy"
	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

// actionsFromJSON builds an action list the same way loading a config
// document does, so unknown option keys land in Options.
func actionsFromJSON(t *testing.T, raw string) []model.DeployAction {
	t.Helper()

	var actions []model.DeployAction
	require.NoError(t, json.Unmarshal([]byte(raw), &actions))
	return actions
}

func deployCert(t *testing.T) *model.Certificate {
	t.Helper()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "web.crt")
	keyPath := filepath.Join(dir, "web.key")
	require.NoError(t, os.WriteFile(certPath, []byte("cert material\n"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("key material\n"), 0o600))

	return &model.Certificate{
		Fingerprint: "AABBCCDD",
		Name:        "web",
		CertType:    model.CertTypeStandard,
		SANs:        model.SANs{Domains: []string{"web.example.com"}},
		Paths: map[string]string{
			"crt": certPath,
			"key": keyPath,
		},
	}
}

func TestExecuteContinuesAfterFailure(t *testing.T) {
	cert := deployCert(t)
	target := t.TempDir()

	first := filepath.Join(target, "nginx", "web.crt")
	third := filepath.Join(target, "haproxy", "web.pem")
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "copy", "name": "nginx", "source": "cert", "destination": "`+first+`"},
		{"type": "ssh-copy", "name": "bad", "source": "cert", "destination": "/etc/ssl/web.crt"},
		{"type": "copy", "name": "haproxy", "source": "cert", "destination": "`+third+`"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)

	require.False(t, result.Success)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, 3, result.ActionsExecuted)
	require.Len(t, result.Failures, 1)
	require.Equal(t, model.ActionSSHCopy, result.Failures[0].Type)
	require.Contains(t, result.Failures[0].Error, model.ErrInvalidParameter.Error())

	// The failure in the middle never stops the actions after it.
	require.FileExists(t, first)
	require.FileExists(t, third)

	require.Len(t, result.Details, 3)
	require.True(t, result.Details[0].Success)
	require.False(t, result.Details[1].Success)
	require.True(t, result.Details[2].Success)
}

func TestExecuteSkipsDisabledActions(t *testing.T) {
	cert := deployCert(t)
	destination := filepath.Join(t.TempDir(), "web.crt")
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "copy", "enabled": false, "source": "cert", "destination": "`+destination+`"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)

	require.True(t, result.Success)
	require.Zero(t, result.ActionsExecuted)
	require.Empty(t, result.Details)
	require.NoFileExists(t, destination)
}

func TestExecuteUnknownActionType(t *testing.T) {
	cert := deployCert(t)
	cert.Config.DeployActions = actionsFromJSON(t, `[{"type": "carrier-pigeon"}]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)

	require.False(t, result.Success)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0].Error, "unknown action type")
	require.Contains(t, result.Failures[0].Error, model.ErrInvalidParameter.Error())
}

func TestExecuteDisabledTransport(t *testing.T) {
	cert := deployCert(t)
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "docker-restart", "containerName": "nginx"}
	]`)

	orchestrator := deploy.NewOrchestrator(
		deploy.WithDisabledTransport(model.ActionDockerRestart, "docker support disabled"),
	)
	result := orchestrator.Execute(context.Background(), cert)

	require.False(t, result.Success)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0].Error, model.ErrFeatureUnavailable.Error())
}

func TestCopyAppliesPermissions(t *testing.T) {
	cert := deployCert(t)
	destination := filepath.Join(t.TempDir(), "{name}.key")
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "copy", "verify": true, "source": "key", "destination": "`+destination+`", "permissions": "0600"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)
	require.True(t, result.Success)

	resolved := strings.ReplaceAll(destination, "{name}", "web")
	info, err := os.Stat(resolved)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCopyMissingArtifact(t *testing.T) {
	cert := deployCert(t)
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "copy", "source": "p12", "destination": "`+filepath.Join(t.TempDir(), "web.p12")+`"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)
	require.False(t, result.Success)
	require.Contains(t, result.Failures[0].Error, model.ErrNotFound.Error())
}

func TestCommandSubstitutesPlaceholders(t *testing.T) {
	cert := deployCert(t)
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "command", "command": "echo {name} {fingerprint}", "verbose": true}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)

	require.True(t, result.Success)
	require.Equal(t, 1, result.ActionsExecuted)
	require.Equal(t, "web AABBCCDD", result.Details[0].Message)
}

func TestCommandFailureCarriesOutput(t *testing.T) {
	cert := deployCert(t)
	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "command", "command": "echo broken >&2; exit 3"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)

	require.False(t, result.Success)
	require.Contains(t, result.Failures[0].Error, "broken")
	require.Contains(t, result.Failures[0].Error, "exit status 3")
}

func TestAPICallPostsSubstitutedJSON(t *testing.T) {
	cert := deployCert(t)

	var gotBody []byte
	var gotAuth, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cert.Config.DeployActions = actionsFromJSON(t, `[
		{
			"type": "api-call",
			"url": "`+server.URL+`/certs",
			"body": {"commonName": "{name}", "fingerprint": "{fingerprint}"},
			"auth": {"type": "bearer", "token": "sekrit"}
		}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)
	require.True(t, result.Success)

	require.Equal(t, "Bearer sekrit", gotAuth)
	require.Equal(t, "application/json", gotContentType)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "web", payload["commonName"])
	require.Equal(t, "AABBCCDD", payload["fingerprint"])
}

func TestAPICallNon2xxFails(t *testing.T) {
	cert := deployCert(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	cert.Config.DeployActions = actionsFromJSON(t, `[
		{"type": "api-call", "url": "`+server.URL+`"}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)
	require.False(t, result.Success)
	require.Contains(t, result.Failures[0].Error, "403")
}

func TestWebhookDeliversEnvelope(t *testing.T) {
	cert := deployCert(t)

	var attempts atomic.Int32
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail once so delivery exercises the retry path.
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cert.Config.DeployActions = actionsFromJSON(t, `[
		{
			"type": "webhook",
			"url": "`+server.URL+`",
			"includeFiles": true,
			"customData": {"source": "{name}"}
		}
	]`)

	result := deploy.NewOrchestrator().Execute(context.Background(), cert)
	require.True(t, result.Success)
	require.EqualValues(t, 2, attempts.Load())

	var envelope struct {
		Event       string            `json:"event"`
		Certificate model.Certificate `json:"certificate"`
		Files       map[string]string `json:"files"`
		CustomData  map[string]string `json:"customData"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	require.Equal(t, "certificate.renewed", envelope.Event)
	require.Equal(t, "web", envelope.Certificate.Name)
	require.Equal(t, "cert material\n", envelope.Files["cert"])
	require.Equal(t, "web", envelope.CustomData["source"])
}

func TestDeployActionOptionsRoundTrip(t *testing.T) {
	actions := actionsFromJSON(t, `[
		{"type": "copy", "enabled": true, "timeout": 15, "source": "cert", "destination": "/tmp/x", "extra": {"keep": "me"}}
	]`)
	require.Len(t, actions, 1)
	require.Equal(t, 15, actions[0].TimeoutSeconds)
	require.Contains(t, actions[0].Options, "extra")

	encoded, err := json.Marshal(actions[0])
	require.NoError(t, err)

	var decoded model.DeployAction
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, actions[0].Type, decoded.Type)
	require.JSONEq(t, `{"keep": "me"}`, string(decoded.Options["extra"]))

	var opts struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	require.NoError(t, decoded.DecodeOptions(&opts))
	require.Equal(t, "cert", opts.Source)
	require.Equal(t, "/tmp/x", opts.Destination)
}
