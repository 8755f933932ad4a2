// Package staging persists downloaded notification assets on local disk.
//
// Every Stage call writes into its own freshly created directory named by a
// random UUID under Root, so concurrent requests never collide even when they
// reuse a file name. Nothing here deletes files; Sweep is offered for the
// host's reclamation job.
package staging

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"richpush/internal/augment"
	logx "richpush/pkg/logx"
)

var ErrInvalidID = errors.New("invalid asset identifier")

type Config struct {
	// Root is the scratch area. Defaults to <os.TempDir()>/richpush.
	Root     string
	DirPerm  os.FileMode
	FilePerm os.FileMode
}

// DirStager implements augment.Stager.
type DirStager struct {
	cfg   Config
	log   logx.Logger
	newID func() string
}

var _ augment.Stager = (*DirStager)(nil)

func New(cfg Config, log logx.Logger) *DirStager {
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = filepath.Join(os.TempDir(), "richpush")
	}
	if cfg.DirPerm == 0 {
		cfg.DirPerm = 0o700
	}
	if cfg.FilePerm == 0 {
		cfg.FilePerm = 0o600
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DirStager{cfg: cfg, log: log, newID: uuid.NewString}
}

func (s *DirStager) Root() string { return s.cfg.Root }

// Stage writes data to <Root>/<uuid>/<id> and returns an attachment for it.
func (s *DirStager) Stage(id string, data []byte) (augment.Attachment, error) {
	if err := validateID(id); err != nil {
		return augment.Attachment{}, err
	}

	dir := filepath.Join(s.cfg.Root, s.newID())
	if err := os.MkdirAll(dir, s.cfg.DirPerm); err != nil {
		return augment.Attachment{}, fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(dir, id)
	if err := os.WriteFile(path, data, s.cfg.FilePerm); err != nil {
		return augment.Attachment{}, fmt.Errorf("write asset: %w", err)
	}

	att := augment.Attachment{
		ID:       id,
		Path:     path,
		TypeHint: http.DetectContentType(data),
		Size:     int64(len(data)),
	}
	s.log.Debug("asset staged", logx.String("id", id), logx.String("path", path), logx.Int64("size", att.Size))
	return att, nil
}

func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.ContainsAny(id, `/\`) || id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
