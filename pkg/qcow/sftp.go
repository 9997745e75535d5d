package qcow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type sftpFS struct {
	*sftp.Client
	conn io.Closer
}

func notExist(err error) bool {
	var status *sftp.StatusError
	return errors.Is(err, os.ErrNotExist) || (errors.As(err, &status) && status.Code == uint32(sftp.ErrSSHFxNoSuchFile))
}

func (s *sftpFS) ReadLink(p string) (string, error) {
	target, err := s.Client.ReadLink(p)
	if err != nil && notExist(err) {
		return "", &os.PathError{Op: "readlink", Path: p, Err: os.ErrNotExist}
	}
	return target, err
}

func (s *sftpFS) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := s.Client.ReadDir(p)
	if err != nil && notExist(err) {
		return nil, &os.PathError{Op: "readdir", Path: p, Err: os.ErrNotExist}
	}
	return entries, err
}

func (s *sftpFS) Close() error {
	sftpErr := s.Client.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return sftpErr
}

func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); err != nil {
		// TODO: refuse unknown hosts once the images server key is distributed to every promoter
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path)
}

// DialSFTP connects to the images server with the private key at
// opts.KeyPath
func DialSFTP(ctx context.Context, opts Options) (FS, error) {
	key, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key %s: %w", opts.KeyPath, err)
	}
	callback, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("could not load known hosts: %w", err)
	}
	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: callback,
		Timeout:         opts.Timeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dialer := &net.Dialer{Timeout: opts.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	if opts.Timeout > 0 {
		raw.SetDeadline(time.Now().Add(opts.Timeout))
	}
	// the handshake runs on raw, closing it is the only way to interrupt it
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	fs, err := handshake(raw, addr, config)
	if !stop() {
		if fs != nil {
			fs.Close()
		}
		return nil, fmt.Errorf("connection to %s interrupted: %w", addr, ctx.Err())
	}
	if err != nil {
		raw.Close()
		return nil, err
	}
	raw.SetDeadline(time.Time{})
	return fs, nil
}

func handshake(raw net.Conn, addr string, config *ssh.ClientConfig) (*sftpFS, error) {
	conn, channels, requests, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(conn, channels, requests)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not start sftp on %s: %w", addr, err)
	}
	return &sftpFS{Client: sftpClient, conn: client}, nil
}
