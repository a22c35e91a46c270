package attachments

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"mailbridge/pkg/config"
)

const ftpTimeout = 30 * time.Second

// Mirror uploads staged files to an FTP server. Loose files go into
// <dir>/<folder>/ and archives into <dir>/.
type Mirror struct {
	conn *ftp.ServerConn
	home string
	dir  string
	log  *slog.Logger
}

// DialMirror connects and logs in using passive mode.
func DialMirror(ctx context.Context, cfg config.FTPConfig, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}

	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(ftpTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to ftp %s: %w", addr, err)
	}

	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login as %s: %w", cfg.Username, err)
	}

	home, err := conn.CurrentDir()
	if err != nil {
		home = "/"
	}

	return &Mirror{
		conn: conn,
		home: home,
		dir:  strings.Trim(cfg.Dir, "/"),
		log:  log.With("component", "attachments.mirror", "host", addr),
	}, nil
}

// Upload copies files, stopping at the first failure.
func (m *Mirror) Upload(ctx context.Context, files []File) error {
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := m.dir
		if !file.Archive {
			target = strings.Trim(m.dir+"/"+file.Folder, "/")
		}

		if err := m.enter(target); err != nil {
			return err
		}
		if err := m.store(file); err != nil {
			return err
		}
		m.log.Debug("Mirrored attachment", "dir", target, "name", file.Name)
	}

	return nil
}

// enter changes into dir relative to the login directory, creating missing
// segments on the way.
func (m *Mirror) enter(dir string) error {
	if err := m.conn.ChangeDir(m.home); err != nil {
		return fmt.Errorf("ftp chdir %s: %w", m.home, err)
	}

	for _, segment := range strings.Split(dir, "/") {
		if segment == "" {
			continue
		}
		if err := m.conn.ChangeDir(segment); err == nil {
			continue
		}
		if err := m.conn.MakeDir(segment); err != nil {
			return fmt.Errorf("ftp mkdir %s: %w", segment, err)
		}
		if err := m.conn.ChangeDir(segment); err != nil {
			return fmt.Errorf("ftp chdir %s: %w", segment, err)
		}
	}

	return nil
}

func (m *Mirror) store(file File) error {
	in, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Path, err)
	}
	defer in.Close()

	if err := m.conn.Stor(file.Name, in); err != nil {
		return fmt.Errorf("ftp upload %s: %w", file.Name, err)
	}

	return nil
}

// Close ends the FTP session.
func (m *Mirror) Close() error {
	return m.conn.Quit()
}
