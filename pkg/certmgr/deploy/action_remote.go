package deploy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

type sshCopyOptions struct {
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username"`
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty"` // Path or inline PEM.
	KeyPassphrase string `json:"keyPassphrase,omitempty"`
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	Permissions   string `json:"permissions,omitempty"`
	PostCommand   string `json:"postCommand,omitempty"`
}

func (o *Orchestrator) runSSHCopy(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts sshCopyOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	now := time.Now()

	source, err := resolveSource(cert, opts.Source, now)
	if err != nil {
		return "", err
	}
	destination := Substitute(opts.Destination, cert, now)
	if opts.Host == "" || opts.Username == "" || destination == "" {
		return "", fmt.Errorf("ssh-copy needs host, username and destination: %w", model.ErrInvalidParameter)
	}
	perm, err := parsePermissions(opts.Permissions)
	if err != nil {
		return "", err
	}

	auth, err := sshAuthMethods(opts)
	if err != nil {
		return "", err
	}
	config := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := net.JoinHostPort(opts.Host, portOrDefault(opts.Port, 22))
	tcp, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, channels, requests, err := ssh.NewClientConn(tcp, addr, config)
	if err != nil {
		tcp.Close()
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, channels, requests)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close()

	if dir := path.Dir(destination); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	written, err := sftpUpload(client, source, destination)
	if err != nil {
		return "", err
	}
	if perm != 0 {
		if err := client.Chmod(destination, perm); err != nil {
			return "", fmt.Errorf("chmod %s: %w", destination, err)
		}
	}

	if action.Verify {
		stat, err := client.Stat(destination)
		if err != nil {
			return "", fmt.Errorf("verification: stat %s: %w", destination, err)
		}
		if stat.Size() != written {
			return "", fmt.Errorf("verification: %s has %d bytes, expected %d", destination, stat.Size(), written)
		}
	}

	message := fmt.Sprintf("uploaded %s -> %s:%s", source, opts.Host, destination)
	if opts.PostCommand != "" {
		session, err := sshClient.NewSession()
		if err != nil {
			return "", fmt.Errorf("open session: %w", err)
		}
		defer session.Close()
		if output, err := session.CombinedOutput(Substitute(opts.PostCommand, cert, now)); err != nil {
			return "", fmt.Errorf("post command failed: %v: %s", err, strings.TrimSpace(string(output)))
		}
		message += ", post command ok"
	}
	return message, nil
}

func sshAuthMethods(opts sshCopyOptions) ([]ssh.AuthMethod, error) {
	if opts.PrivateKey != "" {
		pemBytes := []byte(opts.PrivateKey)
		if !strings.Contains(opts.PrivateKey, "PRIVATE KEY") {
			data, err := os.ReadFile(opts.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("read ssh key %s: %s: %w", opts.PrivateKey, err.Error(), model.ErrIO)
			}
			pemBytes = data
		}

		var signer ssh.Signer
		var err error
		if opts.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(opts.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %s: %w", err.Error(), model.ErrMalformed)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if opts.Password != "" {
		return []ssh.AuthMethod{ssh.Password(opts.Password)}, nil
	}
	return nil, fmt.Errorf("ssh-copy needs a password or private key: %w", model.ErrInvalidParameter)
}

func sftpUpload(client *sftp.Client, source, destination string) (int64, error) {
	in, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("open %s: %s: %w", source, err.Error(), model.ErrIO)
	}
	defer in.Close()

	out, err := client.Create(destination)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", destination, err)
	}
	defer out.Close()

	written, err := io.Copy(out, in)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", destination, err)
	}
	return written, nil
}

type smbCopyOptions struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Share       string `json:"share"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (o *Orchestrator) runSMBCopy(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts smbCopyOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	now := time.Now()

	source, err := resolveSource(cert, opts.Source, now)
	if err != nil {
		return "", err
	}
	destination := strings.Trim(Substitute(opts.Destination, cert, now), "/\\")
	if opts.Host == "" || opts.Share == "" || destination == "" {
		return "", fmt.Errorf("smb-copy needs host, share and destination: %w", model.ErrInvalidParameter)
	}

	addr := net.JoinHostPort(opts.Host, portOrDefault(opts.Port, 445))
	tcp, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer tcp.Close()

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     opts.Username,
			Password: opts.Password,
			Domain:   opts.Domain,
		},
	}
	session, err := dialer.DialContext(ctx, tcp)
	if err != nil {
		return "", fmt.Errorf("smb session with %s: %w", addr, err)
	}
	defer session.Logoff()

	share, err := session.Mount(opts.Share)
	if err != nil {
		return "", fmt.Errorf("mount share %s: %w", opts.Share, err)
	}
	defer share.Umount()

	if dir := path.Dir(strings.ReplaceAll(destination, `\`, "/")); dir != "." {
		if err := share.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read %s: %s: %w", source, err.Error(), model.ErrIO)
	}
	if err := share.WriteFile(destination, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", destination, err)
	}

	if action.Verify {
		stat, err := share.Stat(destination)
		if err != nil {
			return "", fmt.Errorf("verification: stat %s: %w", destination, err)
		}
		if stat.Size() != int64(len(data)) {
			return "", fmt.Errorf("verification: %s has %d bytes, expected %d", destination, stat.Size(), len(data))
		}
	}
	return fmt.Sprintf("uploaded %s -> //%s/%s/%s", source, opts.Host, opts.Share, destination), nil
}

type ftpCopyOptions struct {
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	TLS         bool   `json:"tls,omitempty"` // Explicit FTPS.
}

func (o *Orchestrator) runFTPCopy(ctx context.Context, cert *model.Certificate, action model.DeployAction) (string, error) {
	var opts ftpCopyOptions
	if err := action.DecodeOptions(&opts); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), model.ErrInvalidParameter)
	}
	now := time.Now()

	source, err := resolveSource(cert, opts.Source, now)
	if err != nil {
		return "", err
	}
	destination := strings.TrimPrefix(Substitute(opts.Destination, cert, now), "/")
	if opts.Host == "" || destination == "" {
		return "", fmt.Errorf("ftp-copy needs host and destination: %w", model.ErrInvalidParameter)
	}

	dialOptions := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if opts.TLS {
		dialOptions = append(dialOptions, ftp.DialWithExplicitTLS(&tls.Config{ServerName: opts.Host}))
	}
	conn, err := ftp.Dial(net.JoinHostPort(opts.Host, portOrDefault(opts.Port, 21)), dialOptions...)
	if err != nil {
		return "", fmt.Errorf("dial ftp %s: %w", opts.Host, err)
	}
	defer conn.Quit()

	if err := conn.Login(opts.Username, opts.Password); err != nil {
		return "", fmt.Errorf("ftp login: %w", err)
	}

	// mkdir -p; existing segments answer with an error we ignore.
	segments := strings.Split(path.Dir(destination), "/")
	built := ""
	for _, segment := range segments {
		if segment == "" || segment == "." {
			continue
		}
		built = path.Join(built, segment)
		_ = conn.MakeDir(built)
	}

	in, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("open %s: %s: %w", source, err.Error(), model.ErrIO)
	}
	defer in.Close()

	if err := conn.Stor(destination, in); err != nil {
		return "", fmt.Errorf("store %s: %w", destination, err)
	}

	if action.Verify {
		size, err := conn.FileSize(destination)
		if err != nil {
			return "", fmt.Errorf("verification: size of %s: %w", destination, err)
		}
		if size <= 0 {
			return "", fmt.Errorf("verification: %s is empty after upload", destination)
		}
	}
	return fmt.Sprintf("uploaded %s -> ftp://%s/%s", source, opts.Host, destination), nil
}

func portOrDefault(port, fallback int) string {
	if port <= 0 {
		port = fallback
	}
	return fmt.Sprintf("%d", port)
}
