package fetch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

const (
	dirPerm = 0755

	partialSuffix = ".part"
)

// Destination writes transferred files onto a filesystem. Data goes to a
// partial file next to the target and is renamed into place only after size
// and checksum have been verified.
type Destination struct {
	fs afero.Fs
}

// NewDestination returns a Destination backed by fs. A nil fs means the OS filesystem.
func NewDestination(fs afero.Fs) *Destination {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &Destination{fs: fs}
}

// Fs returns the underlying filesystem.
func (d *Destination) Fs() afero.Fs {
	return d.fs
}

// Verify reports whether path already holds a file matching the expected size
// and checksum. Without any expectation nothing can be verified and false is
// returned.
func (d *Destination) Verify(path string, size int64, sum Checksum) (bool, error) {
	if size <= 0 && sum.IsZero() {
		return false, nil
	}

	info, err := d.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	if info.IsDir() {
		return false, nil
	}

	if size > 0 && info.Size() != size {
		return false, nil
	}

	if sum.IsZero() {
		return true, nil
	}

	h, err := sum.newHash()
	if err != nil {
		return false, err
	}

	f, err := d.fs.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}

	return sum.Matches(h.Sum(nil)), nil
}

// partial is an in-progress write of one target.
type partial struct {
	fs      afero.Fs
	file    afero.File
	path    string
	target  string
	hasher  hash.Hash
	written int64
}

// create opens a fresh partial file for target.
func (d *Destination) create(target string, sum Checksum) (*partial, error) {
	if err := d.fs.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return nil, fmt.Errorf("create target directory: %w", err)
	}

	path := target + partialSuffix

	f, err := d.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}

	p := &partial{fs: d.fs, file: f, path: path, target: target}

	if !sum.IsZero() {
		h, err := sum.newHash()
		if err != nil {
			f.Close()
			_ = d.fs.Remove(path)

			return nil, err
		}

		p.hasher = h
	}

	return p, nil
}

func (p *partial) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	if n > 0 && p.hasher != nil {
		p.hasher.Write(b[:n])
	}

	p.written += int64(n)

	return n, err
}

// commit verifies the written data and moves it onto the target path.
func (p *partial) commit(size int64, sum Checksum) error {
	if err := p.file.Close(); err != nil {
		p.discard()

		return fmt.Errorf("close partial file: %w", err)
	}

	if size > 0 && p.written != size {
		p.discard()

		return &IntegrityError{
			Path:     p.target,
			Field:    "size",
			Expected: strconv.FormatInt(size, 10),
			Actual:   strconv.FormatInt(p.written, 10),
		}
	}

	if p.hasher != nil {
		actual := p.hasher.Sum(nil)
		if !sum.Matches(actual) {
			p.discard()

			return &IntegrityError{Path: p.target, Field: sum.Algorithm, Expected: sum.Value, Actual: hex.EncodeToString(actual)}
		}
	}

	if err := p.fs.Rename(p.path, p.target); err != nil {
		p.discard()

		return fmt.Errorf("move partial file into place: %w", err)
	}

	return nil
}

// abort closes and removes the partial file.
func (p *partial) abort() {
	p.file.Close()
	p.discard()
}

func (p *partial) discard() {
	_ = p.fs.Remove(p.path)
}

// IsPartial reports whether path is a leftover partial file.
func IsPartial(path string) bool {
	return filepath.Ext(path) == partialSuffix
}
