// Package scanner extracts task records from a directory of Markdown notes.
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tasksync/tasksync/internal/schema"
)

// Config holds scanner settings. Paths are relative to Root and use
// forward slashes.
type Config struct {
	Root            string   `mapstructure:"root"`
	Extensions      []string `mapstructure:"extensions"`
	ExcludePrefixes []string `mapstructure:"exclude_prefixes"`
	ExcludePaths    []string `mapstructure:"exclude_paths"`
}

// DefaultConfig scans Markdown files and skips the usual tool folders.
func DefaultConfig() Config {
	return Config{
		Root:            ".",
		Extensions:      []string{".md"},
		ExcludePrefixes: []string{"Templates/"},
	}
}

// frontmatter is the per-note YAML header the scanner honours.
type frontmatter struct {
	Sync *bool    `yaml:"tasksync"`
	Tags []string `yaml:"tags"`
}

// Scanner walks the vault.
type Scanner struct {
	config Config
	logger *slog.Logger
}

// New creates a scanner.
func New(config Config, logger *slog.Logger) *Scanner {
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultConfig().Extensions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{config: config, logger: logger.With("component", "scanner")}
}

// Root returns the scanned directory.
func (s *Scanner) Root() string {
	return s.config.Root
}

// Excluded reports whether a relative path is excluded. It is checked
// before a file is opened.
func (s *Scanner) Excluded(rel string) bool {
	for _, p := range s.config.ExcludePaths {
		if rel == p {
			return true
		}
	}
	for _, p := range s.config.ExcludePrefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	return false
}

// Scan returns every dated task in the vault, in path then line order.
func (s *Scanner) Scan(ctx context.Context) ([]schema.TaskRecord, error) {
	var out []schema.TaskRecord
	err := filepath.WalkDir(s.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(s.config.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if rel != "." && s.Excluded(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.hasExtension(rel) || s.Excluded(rel) {
			return nil
		}

		recs, err := s.scanFile(path, rel)
		if err != nil {
			s.logger.Warn("skipping unreadable note", "path", rel, "error", err)
			return nil
		}
		out = append(out, recs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.config.Root, err)
	}
	return out, nil
}

func (s *Scanner) hasExtension(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	for _, e := range s.config.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (s *Scanner) scanFile(path, rel string) ([]schema.TaskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fm, bodyStart := parseFrontmatter(data)
	if fm.Sync != nil && !*fm.Sync {
		return nil, nil
	}

	var out []schema.TaskRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line <= bodyStart {
			continue
		}
		rec, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		rec.FilePath = rel
		rec.LineNumber = line
		for _, t := range fm.Tags {
			if !rec.HasTag(t) {
				rec.Tags = append(rec.Tags, t)
			}
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping malformed task", "location", rec.Location(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// parseFrontmatter reads a leading "---" YAML block and returns it with the
// number of lines it spans. Malformed headers are ignored.
func parseFrontmatter(data []byte) (frontmatter, int) {
	var fm frontmatter
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return fm, 0
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			if err := yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &fm); err != nil {
				return frontmatter{}, i + 1
			}
			return fm, i + 1
		}
	}
	return fm, 0
}
