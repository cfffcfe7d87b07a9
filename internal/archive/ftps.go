package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/secsy/goftp"

	"github.com/proposalhub/storage/internal/config"
)

type ftpsConnector struct {
	config  goftp.Config
	addr    string
	baseDir string
}

func NewFTPSConnector() (Connector, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps archive")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsConnector{
		config: goftp.Config{
			User:     user,
			Password: pw,
			TLSConfig: &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: config.BoolEnv("FTPS_INSECURE_SKIP_VERIFY", false),
			},
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    net.JoinHostPort(host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsConnector) Name() string {
	return "ftps"
}

func (f *ftpsConnector) StoreProposal(ctx context.Context, submissionID string, content io.ReadSeeker, _ int64) error {
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()
	stop, cause := abortOnDone(ctx, client)
	defer stop()

	target := objectKey(f.baseDir, submissionID)
	if err := ensureDir(client, path.Dir(target)); err != nil {
		return cause(err)
	}
	if err := client.Store(target, content); err != nil {
		return cause(fmt.Errorf("ftps store: %w", err))
	}
	return nil
}

type dirMaker interface {
	Mkdir(dir string) (string, error)
}

// ensureDir creates every segment of dir, tolerating segments that exist.
func ensureDir(client dirMaker, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" {
			continue
		}
		current = path.Join(current, segment)
		if _, err := client.Mkdir(current); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "exists") {
				return fmt.Errorf("ftps mkdir %s: %w", current, err)
			}
		}
	}
	return nil
}
