package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"quantlab_backend/models"
	"quantlab_backend/services/jobs"
	"quantlab_backend/services/resume"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.db$`)

// ErrNotFound is returned for dataset files that do not exist.
var ErrNotFound = errors.New("dataset not found")

// Catalog manages the dataset files under one directory.
type Catalog struct {
	dir string
}

func NewCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Catalog{dir: dir}, nil
}

func (c *Catalog) Dir() string { return c.dir }

// ValidateName rejects names that are not plain "<name>.db" file names.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return &jobs.ValidationError{Field: "name", Message: "must match [A-Za-z0-9_-]+.db"}
	}
	return nil
}

func (c *Catalog) Path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Catalog) Exists(name string) bool {
	info, err := os.Stat(c.Path(name))
	return err == nil && !info.IsDir()
}

// OpenReadOnly opens an existing dataset for reading.
func (c *Catalog) OpenReadOnly(name string) (*File, error) {
	return OpenReadOnly(c.Path(name))
}

// Remove deletes a dataset and its WAL side files.
func (c *Catalog) Remove(name string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(c.Path(name) + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove dataset %s: %w", name, err)
		}
	}
	return nil
}

// Names lists dataset file names, sorted.
func (c *Catalog) Names() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") || !namePattern.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Info summarises one dataset. It may observe a build in progress.
func (c *Catalog) Info(ctx context.Context, name string) (models.DatasetInfo, error) {
	if err := ValidateName(name); err != nil {
		return models.DatasetInfo{}, err
	}
	stat, err := os.Stat(c.Path(name))
	if os.IsNotExist(err) {
		return models.DatasetInfo{}, ErrNotFound
	}
	if err != nil {
		return models.DatasetInfo{}, err
	}

	f, err := c.OpenReadOnly(name)
	if err != nil {
		return models.DatasetInfo{}, err
	}
	defer f.Close()

	info := models.DatasetInfo{Name: name, Path: f.Path(), SizeBytes: stat.Size()}
	if preset, ok, err := f.Meta(ctx, MetaPreset); err == nil && ok {
		info.Preset = preset
	}
	info.CreatedAt = metaTime(ctx, f, MetaCreatedAt)
	info.UpdatedAt = metaTime(ctx, f, MetaUpdatedAt)

	symbols, err := f.Symbols(ctx)
	if err != nil {
		return models.DatasetInfo{}, err
	}
	info.Symbols = len(symbols)
	if info.Rows, err = f.RowCounts(ctx); err != nil {
		return models.DatasetInfo{}, err
	}

	cov, err := f.Coverage(ctx)
	if err != nil {
		return models.DatasetInfo{}, err
	}
	info.Coverage = make(map[models.Category][]models.DateRange)
	for cat, bySymbol := range cov {
		var all []models.DateRange
		for _, ranges := range bySymbol {
			all = append(all, ranges...)
		}
		info.Coverage[cat] = resume.Merge(all)
	}
	return info, nil
}

// List summarises every dataset. Unreadable files are skipped.
func (c *Catalog) List(ctx context.Context) ([]models.DatasetInfo, error) {
	names, err := c.Names()
	if err != nil {
		return nil, err
	}
	out := make([]models.DatasetInfo, 0, len(names))
	for _, name := range names {
		info, err := c.Info(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func metaTime(ctx context.Context, f *File, key string) *time.Time {
	raw, ok, err := f.Meta(ctx, key)
	if err != nil || !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
