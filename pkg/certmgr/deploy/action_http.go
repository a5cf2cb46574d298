package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/goccy/go-json"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

const webhookRetryAttempts = 3

type apiAuth struct {
	Type     string `json:"type"` // bearer, basic or api-key.
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"` // api-key header name.
	Key      string `json:"key,omitempty"`
}

type apiCallOptions struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	BodyType    string            `json:"bodyType,omitempty"` // json, multipart, form or raw.
	Body        json.RawMessage   `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Auth        *apiAuth          `json:"auth,omitempty"`
	AttachFiles []string          `json:"attachFiles,omitempty"` // Logical artifact names for multipart.
}

func (o *Orchestrator) runAPICall(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts apiCallOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	if opts.URL == "" {
		return "", fmt.Errorf("api-call needs a url: %w", model.ErrInvalidParameter)
	}
	now := time.Now()

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodPost
	}

	body, contentType, err := buildAPIBody(cert, opts, now)
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, method, Substitute(opts.URL, cert, now), body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	for key, value := range opts.Headers {
		request.Header.Set(key, Substitute(value, cert, now))
	}
	if err := applyAuth(request, opts.Auth); err != nil {
		return "", err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", opts.URL, err)
	}
	defer response.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%s %s answered %d: %s", method, opts.URL, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return fmt.Sprintf("%s %s -> %d", method, opts.URL, response.StatusCode), nil
}

func buildAPIBody(cert *model.Certificate, opts apiCallOptions, now time.Time) (io.Reader, string, error) {
	switch strings.ToLower(opts.BodyType) {
	case "", "json":
		if len(opts.Body) == 0 {
			return nil, "", nil
		}
		return bytes.NewReader(SubstituteJSON(opts.Body, cert, now)), "application/json", nil

	case "form":
		fields, err := bodyFields(opts.Body)
		if err != nil {
			return nil, "", err
		}
		values := url.Values{}
		for key, value := range fields {
			values.Set(key, Substitute(value, cert, now))
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil

	case "raw":
		var raw string
		if err := json.Unmarshal(opts.Body, &raw); err != nil {
			raw = string(opts.Body)
		}
		return strings.NewReader(Substitute(raw, cert, now)), "", nil

	case "multipart":
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)

		fields, err := bodyFields(opts.Body)
		if err != nil {
			return nil, "", err
		}
		for key, value := range fields {
			if err := writer.WriteField(key, Substitute(value, cert, now)); err != nil {
				return nil, "", err
			}
		}
		for _, logical := range opts.AttachFiles {
			source, err := resolveSource(cert, logical, now)
			if err != nil {
				return nil, "", err
			}
			part, err := writer.CreateFormFile(logical, filepath.Base(source))
			if err != nil {
				return nil, "", err
			}
			data, err := os.ReadFile(source)
			if err != nil {
				return nil, "", fmt.Errorf("read %s: %s: %w", source, err.Error(), model.ErrIO)
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", err
			}
		}
		if err := writer.Close(); err != nil {
			return nil, "", err
		}
		return buf, writer.FormDataContentType(), nil

	default:
		return nil, "", fmt.Errorf("body type %q: %w", opts.BodyType, model.ErrInvalidParameter)
	}
}

// bodyFields flattens a JSON object into string fields for form and
// multipart bodies.
func bodyFields(raw json.RawMessage) (map[string]string, error) {
	fields := map[string]string{}
	if len(raw) == 0 {
		return fields, nil
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("body must be an object: %s: %w", err.Error(), model.ErrInvalidParameter)
	}
	for key, value := range object {
		switch v := value.(type) {
		case string:
			fields[key] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fields[key] = string(encoded)
		}
	}
	return fields, nil
}

func applyAuth(request *http.Request, auth *apiAuth) error {
	if auth == nil {
		return nil
	}
	switch strings.ToLower(auth.Type) {
	case "bearer":
		request.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		request.SetBasicAuth(auth.Username, auth.Password)
	case "api-key":
		header := auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		request.Header.Set(header, auth.Key)
	default:
		return fmt.Errorf("auth type %q: %w", auth.Type, model.ErrInvalidParameter)
	}
	return nil
}

type webhookOptions struct {
	URL          string            `json:"url"`
	Event        string            `json:"event,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	IncludeFiles bool              `json:"includeFiles,omitempty"`
	CustomData   json.RawMessage   `json:"customData,omitempty"`
}

type webhookEnvelope struct {
	Event       string            `json:"event"`
	Timestamp   string            `json:"timestamp"`
	Certificate model.Certificate `json:"certificate"`
	Files       map[string]string `json:"files,omitempty"`
	CustomData  json.RawMessage   `json:"customData,omitempty"`
}

func (o *Orchestrator) runWebhook(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts webhookOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	if opts.URL == "" {
		return "", fmt.Errorf("webhook needs a url: %w", model.ErrInvalidParameter)
	}
	now := time.Now()

	event := opts.Event
	if event == "" {
		event = "certificate.renewed"
	}
	envelope := webhookEnvelope{
		Event:       event,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Certificate: *cert.Clone(),
		CustomData:  SubstituteJSON(opts.CustomData, cert, now),
	}
	if opts.IncludeFiles {
		envelope.Files = map[string]string{}
		for _, logical := range []string{"cert", "chain", "fullchain", "pem"} {
			source, err := resolveSource(cert, logical, now)
			if err != nil {
				continue
			}
			data, err := os.ReadFile(source)
			if err != nil {
				continue
			}
			envelope.Files[logical] = string(data)
		}
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	err = retry.Do(
		func() error {
			request, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			request.Header.Set("Content-Type", "application/json")
			for key, value := range opts.Headers {
				request.Header.Set(key, Substitute(value, cert, now))
			}

			response, err := http.DefaultClient.Do(request)
			if err != nil {
				return err
			}
			defer response.Body.Close()
			io.Copy(io.Discard, response.Body)

			if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
				return fmt.Errorf("webhook answered %d", response.StatusCode)
			}
			return nil
		},
		retry.Attempts(webhookRetryAttempts),
		retry.Delay(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("post webhook %s: %w", opts.URL, err)
	}
	return fmt.Sprintf("webhook %s delivered", opts.URL), nil
}
