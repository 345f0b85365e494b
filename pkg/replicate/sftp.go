package replicate

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/paulschiretz/pgl-snapback/pkg/credential"
)

const dialTimeout = 10 * time.Second

// SFTPConfig describes an SFTP destination authenticated by password.
type SFTPConfig struct {
	Address    string
	Port       int
	User       string
	Password   credential.Provider
	KnownHosts string
	Dir        string
}

// SFTPSink replicates over SSH. The connection is opened on first use and
// shared by all transfers.
type SFTPSink struct {
	cfg SFTPConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func NewSFTPSink(cfg SFTPConfig) *SFTPSink {
	return &SFTPSink{cfg: cfg}
}

func (s *SFTPSink) addr() string {
	return net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
}

func (s *SFTPSink) Name() string { return "sftp://" + s.addr() + s.cfg.Dir }

func (s *SFTPSink) Reachable(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *SFTPSink) sftpClient(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	password, err := s.cfg.Password.Password(ctx)
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownhosts.New(s.cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", s.cfg.KnownHosts, err)
	}
	conn, err := ssh.Dial("tcp", s.addr(), &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh connection to %s failed: %w", s.addr(), err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session on %s failed: %w", s.addr(), err)
	}
	if err := client.MkdirAll(s.cfg.Dir); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to create remote directory %s: %w", s.cfg.Dir, err)
	}
	s.conn, s.client = conn, client
	return client, nil
}

func (s *SFTPSink) Stat(ctx context.Context, name string) (Entry, bool, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	info, err := c.Stat(path.Join(s.cfg.Dir, name))
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (s *SFTPSink) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(path.Join(s.cfg.Dir, name))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTPSink) Put(ctx context.Context, localPath, name string) (retErr error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	final := path.Join(s.cfg.Dir, name)
	tmp := final + ".part"
	out, err := c.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if retErr != nil {
			out.Close()
			c.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// SFTP carries whole seconds only.
	if err := c.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tmp, err)
	}
	if err := c.PosixRename(tmp, final); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = c.Remove(final)
		if err := c.Rename(tmp, final); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", final, err)
		}
	}
	return nil
}

func (s *SFTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	s.client.Close()
	err := s.conn.Close()
	s.client, s.conn = nil, nil
	return err
}
