// Package screening applies upload policy checks before a submission exists.
package screening

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/proposalhub/storage/internal/config"
)

// Violation describes an upload policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("upload rejected (%s): %s", v.Rule, v.Detail)
}

// Scanner checks an upload's metadata and content.
type Scanner interface {
	ScanFile(ctx context.Context, fileName string, size int64) error
	ScanContent(ctx context.Context, content io.Reader) error
	Enforced() bool
}

const chunkSize = 64 << 10

// RuleScanner performs extension, size and byte signature checks.
type RuleScanner struct {
	blockedExt  map[string]struct{}
	maxFileSize int64
	signatures  [][]byte
	enforce     bool
}

func defaultBlockedExtensions() map[string]struct{} {
	return map[string]struct{}{
		".exe": {},
		".bat": {},
		".ps1": {},
		".js":  {},
	}
}

// NewRuleScanner returns an enforcing scanner with the default extension
// block list and no size or signature rules.
func NewRuleScanner() *RuleScanner {
	return &RuleScanner{blockedExt: defaultBlockedExtensions(), enforce: true}
}

// NewRuleScannerFromEnv builds a scanner from SCREENING_* variables. It
// returns nil when SCREENING_DISABLED=true.
func NewRuleScannerFromEnv() Scanner {
	if config.BoolEnv("SCREENING_DISABLED", false) {
		return nil
	}

	s := NewRuleScanner()
	s.enforce = !strings.EqualFold(os.Getenv("SCREENING_MODE"), "monitor")

	if raw := os.Getenv("SCREENING_BLOCKED_EXTENSIONS"); raw != "" {
		s.blockedExt = make(map[string]struct{})
		for _, ext := range strings.Split(raw, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.blockedExt[ext] = struct{}{}
		}
	}

	if raw := os.Getenv("SCREENING_MAX_FILE_SIZE"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			log.Warn().Str("key", "SCREENING_MAX_FILE_SIZE").Str("value", raw).Msg("invalid size, no limit applied")
		} else {
			s.maxFileSize = v
		}
	}

	if raw := os.Getenv("SCREENING_SIGNATURES"); raw != "" {
		for _, pat := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(pat); trimmed != "" {
				s.signatures = append(s.signatures, []byte(trimmed))
			}
		}
	}
	return s
}

func (s *RuleScanner) Enforced() bool {
	return s.enforce
}

func (s *RuleScanner) ScanFile(_ context.Context, fileName string, size int64) error {
	if fileName != "" {
		ext := strings.ToLower(filepath.Ext(fileName))
		if _, blocked := s.blockedExt[ext]; blocked {
			return &Violation{
				Rule:   "blocked_extension",
				Detail: fmt.Sprintf("extension %q not allowed", ext),
			}
		}
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return &Violation{
			Rule:   "max_file_size",
			Detail: fmt.Sprintf("file size %d exceeds limit %d", size, s.maxFileSize),
		}
	}
	return nil
}

// ScanContent streams content looking for any configured signature. Matches
// spanning chunk boundaries are found.
func (s *RuleScanner) ScanContent(ctx context.Context, content io.Reader) error {
	if len(s.signatures) == 0 {
		return nil
	}
	longest := 0
	for _, sig := range s.signatures {
		longest = max(longest, len(sig))
	}

	buf := make([]byte, 0, chunkSize+longest)
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := content.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if v := s.match(buf); v != nil {
				return v
			}
			if keep := longest - 1; len(buf) > keep {
				buf = append(buf[:0], buf[len(buf)-keep:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upload: %w", err)
		}
	}
}

func (s *RuleScanner) match(data []byte) *Violation {
	for _, sig := range s.signatures {
		if bytes.Contains(data, sig) {
			return &Violation{
				Rule:   "signature",
				Detail: fmt.Sprintf("content matched signature %q", sig),
			}
		}
	}
	return nil
}
