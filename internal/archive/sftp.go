package archive

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type sftpConnector struct {
	addr       string
	user       string
	password   string
	keyPath    string
	knownHosts string
	baseDir    string
}

func NewSFTPConnector() (Connector, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp archive")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	c := &sftpConnector{
		addr:       net.JoinHostPort(host, port),
		user:       user,
		password:   os.Getenv("SFTP_PASSWORD"),
		keyPath:    os.Getenv("SFTP_KEY_PATH"),
		knownHosts: os.Getenv("SFTP_KNOWN_HOSTS"),
		baseDir:    os.Getenv("SFTP_BASE_DIR"),
	}
	if c.password == "" && c.keyPath == "" {
		return nil, fmt.Errorf("sftp archive requires SFTP_PASSWORD or SFTP_KEY_PATH")
	}
	return c, nil
}

func (s *sftpConnector) Name() string {
	return "sftp"
}

func (s *sftpConnector) StoreProposal(ctx context.Context, submissionID string, content io.ReadSeeker, _ int64) error {
	conn, client, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()
	stop, cause := abortOnDone(ctx, conn)
	defer stop()
	if err := s.upload(client, submissionID, content); err != nil {
		return cause(err)
	}
	return nil
}

func (s *sftpConnector) upload(client *sftp.Client, submissionID string, content io.Reader) error {
	remotePath := s.remotePath(submissionID)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("sftp mkdir: %w", err)
	}
	f, err := client.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp open %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	return f.Close()
}

func (s *sftpConnector) dial() (*ssh.Client, *sftp.Client, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, nil, err
	}
	conn, err := ssh.Dial("tcp", s.addr, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp session: %w", err)
	}
	return conn, client, nil
}

func (s *sftpConnector) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.knownHosts != "" {
		cb, err := knownhosts.New(s.knownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn().Str("component", "archive").Str("connector", "sftp").Msg("SFTP_KNOWN_HOSTS not set, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}, nil
}

func (s *sftpConnector) remotePath(submissionID string) string {
	return objectKey(strings.TrimSpace(s.baseDir), submissionID)
}
