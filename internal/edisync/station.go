// Package edisync ingests periodic EDI catalog drops into the product cache.
// Each supplier's drop area is processed sequentially, one file at a time;
// moving a file into the pending folder is the claim that keeps a concurrent
// run from processing it twice.
package edisync

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	pendingDir = "pending"
	successDir = "success"
	failedDir  = "failed"
)

// Station is the file-transfer surface the pipeline drives. Implementations
// own the physical layout; the pipeline only sees names.
type Station interface {
	StageIncoming() error
	ListPendingFiles() ([]string, error)
	Open(name string) (io.ReadCloser, error)
	MoveToSuccess(name string) error
	MoveToFailed(name string) error
}

// LocalStation manages a supplier drop directory on the local filesystem:
// uploads land in the root, and the station shuffles them through
// pending/success/failed subdirectories.
type LocalStation struct {
	root string
}

func NewLocalStation(root string) (*LocalStation, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("station root required")
	}
	for _, sub := range []string{pendingDir, successDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare station %s: %w", root, err)
		}
	}
	return &LocalStation{root: root}, nil
}

func (s *LocalStation) Root() string {
	return s.root
}

// StageIncoming claims uploaded files by renaming them into the pending
// folder. Rename is atomic within a filesystem, so two concurrent runs cannot
// both claim the same file.
func (s *LocalStation) StageIncoming() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("list incoming %s: %w", s.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		target := filepath.Join(s.root, pendingDir, name)
		if _, err := os.Stat(target); err == nil {
			target = filepath.Join(s.root, pendingDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
		}
		if err := os.Rename(filepath.Join(s.root, name), target); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return nil
}

func (s *LocalStation) ListPendingFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, pendingDir))
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", s.root, err)
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStation) Open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, pendingDir, name))
}

func (s *LocalStation) MoveToSuccess(name string) error {
	return s.moveTo(name, successDir)
}

func (s *LocalStation) MoveToFailed(name string) error {
	return s.moveTo(name, failedDir)
}

func (s *LocalStation) moveTo(name, dir string) error {
	from := filepath.Join(s.root, pendingDir, name)
	to := filepath.Join(s.root, dir, name)
	if _, err := os.Stat(to); err == nil {
		to = filepath.Join(s.root, dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", name, dir, err)
	}
	return nil
}

var timestampPattern = regexp.MustCompile(`\d{8,14}`)

// ExtractTimestamp pulls a timestamp out of a drop file name. Supported forms
// are YYYYMMDD, YYYYMMDDHHMMSS, and 10-digit unix epochs embedded anywhere in
// the name. The second return is false when no timestamp is present.
func ExtractTimestamp(name string) (time.Time, bool) {
	for _, match := range timestampPattern.FindAllString(name, -1) {
		switch len(match) {
		case 14:
			if ts, err := time.Parse("20060102150405", match); err == nil {
				return ts.UTC(), true
			}
		case 10:
			if epoch, err := strconv.ParseInt(match, 10, 64); err == nil {
				ts := time.Unix(epoch, 0).UTC()
				if ts.Year() >= 2000 && ts.Year() < 2100 {
					return ts, true
				}
			}
		case 8:
			if ts, err := time.Parse("20060102", match); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
