// Package archive copies successfully imported proposals to external storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ObjectName is the name of the archived proposal under its submission.
const ObjectName = "proposal.zip"

// Connector stores one proposal in an external target.
type Connector interface {
	Name() string
	StoreProposal(ctx context.Context, submissionID string, content io.ReadSeeker, size int64) error
}

// LoadFromEnv instantiates the connectors named in targets. Targets that
// cannot be initialised are logged and skipped.
func LoadFromEnv(ctx context.Context, targets []string, logger zerolog.Logger) []Connector {
	var instances []Connector
	for _, token := range targets {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			conn Connector
			err  error
		)
		switch token {
		case "s3":
			conn, err = NewS3Connector(ctx)
		case "azure":
			conn, err = NewAzureBlobConnector()
		case "sftp":
			conn, err = NewSFTPConnector()
		case "ftps":
			conn, err = NewFTPSConnector()
		default:
			err = fmt.Errorf("unknown archive target %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("connector", token).Msg("failed to init connector")
			continue
		}
		logger.Info().Str("connector", conn.Name()).Msg("initialized connector")
		instances = append(instances, conn)
	}
	return instances
}

// DefaultTimeout bounds one upload to one target.
const DefaultTimeout = 5 * time.Minute

// Archiver fans a staged proposal out to every connector.
type Archiver struct {
	connectors []Connector
	timeout    time.Duration
	logger     zerolog.Logger
}

type Option func(*Archiver)

// WithTimeout bounds each connector upload; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Archiver) { a.timeout = d }
}

func New(connectors []Connector, opts ...Option) *Archiver {
	a := &Archiver{
		connectors: connectors,
		timeout:    DefaultTimeout,
		logger:     log.With().Str("component", "archive").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive copies the file at stagedPath to all connectors concurrently and
// waits for them, each bounded by the archiver timeout. Failures are logged;
// they never affect the submission.
func (a *Archiver) Archive(ctx context.Context, id uuid.UUID, stagedPath string) {
	if a == nil || len(a.connectors) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, conn := range a.connectors {
		wg.Add(1)
		go func(conn Connector) {
			defer wg.Done()
			logger := a.logger.With().Str("connector", conn.Name()).Str("submission_id", id.String()).Logger()
			ctx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}
			if err := a.store(ctx, conn, id, stagedPath); err != nil {
				logger.Error().Err(err).Msg("archiving proposal failed")
				return
			}
			logger.Info().Msg("proposal archived")
		}(conn)
	}
	wg.Wait()
}

func (a *Archiver) store(ctx context.Context, conn Connector, id uuid.UUID, stagedPath string) error {
	f, err := os.Open(stagedPath)
	if err != nil {
		return fmt.Errorf("open staged proposal: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged proposal: %w", err)
	}
	return conn.StoreProposal(ctx, id.String(), f, info.Size())
}

// objectKey joins an optional prefix, the submission id and ObjectName.
func objectKey(prefix, submissionID string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return path.Join(submissionID, ObjectName)
	}
	return path.Join(prefix, submissionID, ObjectName)
}

// abortOnDone closes c when ctx ends, for clients that take no context. The
// returned error func reports ctx's error in place of the resulting I/O error.
func abortOnDone(ctx context.Context, c io.Closer) (stop func() bool, cause func(error) error) {
	stop = context.AfterFunc(ctx, func() { _ = c.Close() })
	cause = func(err error) error {
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	}
	return stop, cause
}
