package model

import (
	"github.com/goccy/go-json"
)

// Deploy action type tags.
const (
	ActionCopy          = "copy"
	ActionCommand       = "command"
	ActionDockerRestart = "docker-restart"
	ActionNPM           = "nginx-proxy-manager"
	ActionSSHCopy       = "ssh-copy"
	ActionSMBCopy       = "smb-copy"
	ActionFTPCopy       = "ftp-copy"
	ActionAPICall       = "api-call"
	ActionWebhook       = "webhook"
	ActionEmail         = "email"
)

// DeployAction is one post-renewal step. Type selects the executor;
// type-specific fields are kept verbatim in Options so unknown keys survive
// a load/persist round trip.
type DeployAction struct {
	Type           string `json:"type"`
	Name           string `json:"name,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	Verify         bool   `json:"verify,omitempty"`

	Options map[string]json.RawMessage `json:"-"`
}

// IsEnabled treats a missing flag as enabled.
func (a DeployAction) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// DecodeOptions unmarshals the type-specific fields into dst.
func (a DeployAction) DecodeOptions(dst any) error {
	raw, err := json.Marshal(a.Options)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

var deployEnvelopeKeys = map[string]struct{}{
	"type": {}, "name": {}, "enabled": {}, "timeout": {}, "verify": {},
}

func (a *DeployAction) UnmarshalJSON(data []byte) error {
	type envelope DeployAction
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for key := range deployEnvelopeKeys {
		delete(fields, key)
	}

	*a = DeployAction(env)
	a.Options = fields
	return nil
}

func (a DeployAction) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(a.Options)+5)
	for k, v := range a.Options {
		fields[k] = v
	}

	put := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}

	if err := put("type", a.Type); err != nil {
		return nil, err
	}
	if a.Name != "" {
		if err := put("name", a.Name); err != nil {
			return nil, err
		}
	}
	if a.Enabled != nil {
		if err := put("enabled", *a.Enabled); err != nil {
			return nil, err
		}
	}
	if a.TimeoutSeconds != 0 {
		if err := put("timeout", a.TimeoutSeconds); err != nil {
			return nil, err
		}
	}
	if a.Verify {
		if err := put("verify", a.Verify); err != nil {
			return nil, err
		}
	}

	return json.Marshal(fields)
}

// ActionResult is the outcome of a single deploy action.
type ActionResult struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ActionFailure identifies a failed action inside a DeployResult.
type ActionFailure struct {
	Type   string       `json:"type"`
	Error  string       `json:"error"`
	Action DeployAction `json:"action"`
}

// DeployResult aggregates the outcome of a full action list run.
// Success is true iff Failures is empty.
type DeployResult struct {
	RunID           string          `json:"runId"`
	Success         bool            `json:"success"`
	ActionsExecuted int             `json:"actionsExecuted"`
	Failures        []ActionFailure `json:"failures"`
	Details         []ActionResult  `json:"details"`
}
