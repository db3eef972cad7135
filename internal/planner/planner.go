package planner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
)

// Manifest lists repositories with their mirrors and the packages to fetch
// from them.
type Manifest struct {
	Repositories []Repository `yaml:"repositories" json:"repositories"`
	Packages     []Package    `yaml:"packages" json:"packages"`
}

// Repository is one repository and its mirror base URLs in preference order.
type Repository struct {
	ID      string   `yaml:"id" json:"id"`
	Mirrors []string `yaml:"mirrors" json:"mirrors"`
}

// Package is one file, addressed relative to the mirror base URLs.
type Package struct {
	Repository string `yaml:"repository" json:"repository"`
	Path       string `yaml:"path" json:"path"`
	Size       int64  `yaml:"size,omitempty" json:"size,omitempty"`
	// Checksum is "algorithm:hex", e.g. sha256:9f86d0...
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	// Destination overrides <target>/<repository>/<path>.
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}

		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return &m, nil
}

// Plan turns the manifest into scheduler requests. Each repository hands out
// its first servers_per_repo mirrors round-robin as the preferred mirror of
// successive packages; every other mirror follows as a fallback.
func (m *Manifest) Plan(targetDir string, serversPerRepo int) ([]scheduler.Request, error) {
	repos := make(map[string][]string, len(m.Repositories))

	for _, r := range m.Repositories {
		if r.ID == "" {
			return nil, errors.New("repository without id")
		}

		if _, dup := repos[r.ID]; dup {
			return nil, fmt.Errorf("repository %q listed twice", r.ID)
		}

		if len(r.Mirrors) == 0 {
			return nil, fmt.Errorf("repository %q has no mirrors", r.ID)
		}

		repos[r.ID] = r.Mirrors
	}

	positions := make(map[string]int, len(repos))
	reqs := make([]scheduler.Request, 0, len(m.Packages))

	for i, pkg := range m.Packages {
		mirrors, ok := repos[pkg.Repository]
		if !ok {
			return nil, fmt.Errorf("package %d (%s): unknown repository %q", i, pkg.Path, pkg.Repository)
		}

		rel := path.Clean(strings.TrimPrefix(pkg.Path, "/"))
		if rel == "." || !filepath.IsLocal(filepath.FromSlash(rel)) {
			return nil, fmt.Errorf("package %d: invalid path %q", i, pkg.Path)
		}

		sum, err := fetch.ParseChecksum(pkg.Checksum)
		if err != nil {
			return nil, fmt.Errorf("package %d (%s): %w", i, pkg.Path, err)
		}

		start := positions[pkg.Repository]
		positions[pkg.Repository] = (start + 1) % min(max(serversPerRepo, 1), len(mirrors))

		dest := pkg.Destination
		if dest == "" {
			dest = filepath.Join(targetDir, pkg.Repository, filepath.FromSlash(rel))
		}

		reqs = append(reqs, scheduler.Request{
			Repository:  pkg.Repository,
			Mirrors:     candidates(mirrors, start, rel),
			Destination: dest,
			Size:        pkg.Size,
			Checksum:    sum,
		})
	}

	return reqs, nil
}

// candidates puts mirrors[start] first and keeps the others in order.
func candidates(mirrors []string, start int, rel string) []string {
	out := make([]string, 0, len(mirrors))
	out = append(out, joinURL(mirrors[start], rel))

	for i, m := range mirrors {
		if i != start {
			out = append(out, joinURL(m, rel))
		}
	}

	return out
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + rel
}

// ParseURLList reads one URL per line. Each file lands in targetDir under its
// base name, and its host serves as the repository. Blank lines and lines
// starting with # are ignored.
func ParseURLList(r io.Reader, targetDir string) ([]scheduler.Request, error) {
	var reqs []scheduler.Request

	sc := bufio.NewScanner(r)
	line := 0

	for sc.Scan() {
		line++

		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		host, err := fetch.Host(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		base := path.Base(u.Path)
		if base == "/" || base == "." {
			return nil, fmt.Errorf("line %d: %s does not name a file", line, fetch.StripCredentials(raw))
		}

		reqs = append(reqs, scheduler.Request{
			Repository:  host,
			Mirrors:     []string{raw},
			Destination: filepath.Join(targetDir, base),
		})
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}

	return reqs, nil
}

// Load reads a manifest (.yaml or .yml) or a URL list from fs and plans it.
func Load(fs afero.Fs, name, targetDir string, serversPerRepo int) ([]scheduler.Request, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		m, err := ParseManifest(f)
		if err != nil {
			return nil, err
		}

		return m.Plan(targetDir, serversPerRepo)
	default:
		return ParseURLList(f, targetDir)
	}
}
