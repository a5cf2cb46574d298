package deploy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/domodwyer/mailyak/v3"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

type emailOptions struct {
	SMTPHost string   `json:"smtpHost"`
	SMTPPort int      `json:"smtpPort,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	TLS      bool     `json:"tls,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	BodyText string   `json:"bodyText,omitempty"`
	BodyHTML string   `json:"bodyHtml,omitempty"`
	Attach   []string `json:"attach,omitempty"` // Logical artifact names.
}

func (o *Orchestrator) runEmail(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts emailOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	if opts.SMTPHost == "" || opts.From == "" || len(opts.To) == 0 {
		return "", fmt.Errorf("email needs smtpHost, from and to: %w", model.ErrInvalidParameter)
	}
	now := time.Now()

	port := opts.SMTPPort
	if port <= 0 {
		port = 587
	}
	addr := net.JoinHostPort(opts.SMTPHost, fmt.Sprintf("%d", port))

	var auth smtp.Auth
	if opts.Username != "" {
		auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.SMTPHost)
	}

	var mail *mailyak.MailYak
	if opts.TLS {
		var err error
		mail, err = mailyak.NewWithTLS(addr, auth, &tls.Config{ServerName: opts.SMTPHost})
		if err != nil {
			return "", fmt.Errorf("smtp tls setup: %w", err)
		}
	} else {
		mail = mailyak.New(addr, auth)
	}

	mail.From(opts.From)
	mail.To(opts.To...)
	mail.Subject(Substitute(opts.Subject, cert, now))
	if opts.BodyText != "" {
		mail.Plain().Set(Substitute(opts.BodyText, cert, now))
	}
	if opts.BodyHTML != "" {
		mail.HTML().Set(Substitute(opts.BodyHTML, cert, now))
	}

	for _, logical := range opts.Attach {
		source, err := resolveSource(cert, logical, now)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return "", fmt.Errorf("read attachment %s: %s: %w", source, err.Error(), model.ErrIO)
		}
		mail.Attach(filepath.Base(source), strings.NewReader(string(data)))
	}

	done := make(chan error, 1)
	go func() { done <- mail.Send() }()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("email send: %w", model.ErrCancelled)
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("send to %s: %w", addr, err)
		}
	}
	return fmt.Sprintf("mailed %s via %s", strings.Join(opts.To, ","), addr), nil
}
