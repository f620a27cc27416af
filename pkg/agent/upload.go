package agent

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/transports/ssh"
)

// Uploader stores a local file under key at the artifact destination and
// returns the location it was written to.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Close() error
}

// SFTPConfig holds the credentials used for sftp:// destinations. The user
// and port in the destination URI take precedence.
type SFTPConfig struct {
	User                  string
	Password              string
	PrivateKeyPath        string
	KnownHostsPath        string
	StrictHostKeyChecking bool
}

// TransportDialer opens an SSH transport for an sftp:// destination.
type TransportDialer func(cfg *ssh.Config) (ssh.Transport, error)

// NewUploader returns the uploader for a destination URI. A nil dial uses
// ssh.NewClient.
func NewUploader(destination string, sftpCfg SFTPConfig, dial TransportDialer, logger zerolog.Logger) (Uploader, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", destination, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("file destination %q has no path", destination)
		}
		return &FileUploader{Root: filepath.FromSlash(u.Path)}, nil
	case "sftp":
		return newSFTPUploader(u, sftpCfg, dial, logger)
	default:
		return nil, fmt.Errorf("unsupported destination scheme %q", u.Scheme)
	}
}

// FileUploader copies artifacts below a local directory, typically a shared
// mount.
type FileUploader struct {
	Root string
}

// Upload writes to a temporary file next to the target and renames it so
// readers never see a partial artifact.
func (f *FileUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	target := filepath.Join(f.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: src}); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return "file://" + filepath.ToSlash(target), nil
}

// Close implements Uploader.
func (f *FileUploader) Close() error { return nil }

// SFTPUploader uploads artifacts to a remote directory over SFTP. The
// connection is opened on first use and reused for both artifacts.
type SFTPUploader struct {
	config    *ssh.Config
	base      string
	dial      TransportDialer
	transport ssh.Transport
	logger    zerolog.Logger
}

func newSFTPUploader(u *url.URL, sftpCfg SFTPConfig, dial TransportDialer, logger zerolog.Logger) (*SFTPUploader, error) {
	if u.Hostname() == "" {
		return nil, fmt.Errorf("sftp destination has no host")
	}

	user := sftpCfg.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	if user == "" {
		return nil, fmt.Errorf("sftp destination has no user")
	}

	cfg := ssh.DefaultConfig(u.Hostname(), user)
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid sftp port %q", p)
		}
		cfg.Port = port
	}
	cfg.PrivateKeyPath = sftpCfg.PrivateKeyPath
	cfg.KnownHostsPath = sftpCfg.KnownHostsPath
	cfg.StrictHostKeyChecking = sftpCfg.StrictHostKeyChecking
	if sftpCfg.PrivateKeyPath == "" && sftpCfg.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = sftpCfg.Password
	}

	if dial == nil {
		dial = func(c *ssh.Config) (ssh.Transport, error) { return ssh.NewClient(c) }
	}

	base := u.Path
	if base == "" {
		base = "."
	}
	return &SFTPUploader{
		config: cfg,
		base:   base,
		dial:   dial,
		logger: logger.With().Str("component", "uploader").Str("host", cfg.Address()).Logger(),
	}, nil
}

// Upload implements Uploader.
func (s *SFTPUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	if s.transport == nil {
		t, err := s.dial(s.config)
		if err != nil {
			return "", fmt.Errorf("invalid sftp configuration: %w", err)
		}
		if err := t.Connect(ctx); err != nil {
			return "", err
		}
		s.transport = t
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	remote := path.Join(s.base, key)
	if err := s.transport.Upload(ctx, src, remote, 0o644); err != nil {
		return "", err
	}
	s.logger.Debug().Str("remote", remote).Msg("Artifact uploaded")
	return fmt.Sprintf("sftp://%s%s", s.config.Address(), remote), nil
}

// Close disconnects the transport if one was opened.
func (s *SFTPUploader) Close() error {
	if s.transport == nil {
		return nil
	}
	err := s.transport.Disconnect()
	s.transport = nil
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
