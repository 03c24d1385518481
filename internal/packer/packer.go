// Package packer turns the routine directory into the base64 tar.gz package
// the API accepts.
package packer

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/assertedio/asrtd/pkg/client"
)

// Manifest files collected for custom dependency builds.
const (
	PackageJSON    = "package.json"
	ShrinkwrapJSON = "npm-shrinkwrap.json"
)

// MaxUnpackedBytes bounds Unpack output.
const MaxUnpackedBytes = 64 << 20

// excluded directory names, at any depth
var excluded = map[string]bool{
	"node_modules": true,
	".git":         true,
}

type File struct {
	Path string
	Size int64
}

// Summary describes a packed routine.
type Summary struct {
	Files           []File
	TotalBytes      int64
	CompressedBytes int
}

// String renders a one-line summary.
func (s Summary) String() string {
	return fmt.Sprintf("%d files, %s (%s compressed)",
		len(s.Files), humanize.Bytes(uint64(s.TotalBytes)), humanize.Bytes(uint64(s.CompressedBytes)))
}

// Package is a packed routine directory.
type Package struct {
	// Encoded is the base64 tar.gz archive.
	Encoded        string
	PackageJSON    string
	ShrinkwrapJSON string
	Summary        Summary
}

// CustomDependencies returns the manifests for a custom dependency build.
func (p *Package) CustomDependencies() (client.CustomDependencies, error) {
	if p.PackageJSON == "" || p.ShrinkwrapJSON == "" {
		return client.CustomDependencies{}, fmt.Errorf("custom dependencies require %s and %s in the routine directory", PackageJSON, ShrinkwrapJSON)
	}
	return client.CustomDependencies{PackageJSON: p.PackageJSON, ShrinkwrapJSON: p.ShrinkwrapJSON}, nil
}

// Dependencies returns the wire dependencies for a routine declaring
// version: the collected manifests when version is custom, else version.
func (p *Package) Dependencies(version string) (client.Dependencies, error) {
	if version != client.DependenciesCustom {
		return client.Dependencies{Version: version}, nil
	}
	custom, err := p.CustomDependencies()
	if err != nil {
		return client.Dependencies{}, err
	}
	return client.Dependencies{Custom: &custom}, nil
}

// Pack archives dir. Entries are stored relative to dir in lexical order
// with fixed timestamps so the same tree always yields the same archive.
func Pack(dir string) (*Package, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("routine directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("routine directory %s is not a directory", dir)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	pkg := &Package{}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			if excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  time.Unix(0, 0),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}

		switch name {
		case PackageJSON:
			pkg.PackageJSON = string(data)
		case ShrinkwrapJSON:
			pkg.ShrinkwrapJSON = string(data)
		}
		pkg.Summary.Files = append(pkg.Summary.Files, File{Path: name, Size: hdr.Size})
		pkg.Summary.TotalBytes += hdr.Size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	pkg.Summary.CompressedBytes = buf.Len()
	pkg.Encoded = base64.StdEncoding.EncodeToString(buf.Bytes())
	return pkg, nil
}

// Unpack extracts an encoded package into dest.
func Unpack(encoded, dest string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode package: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read package: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := path.Clean(hdr.Name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("package entry %q escapes destination", hdr.Name)
		}
		total += hdr.Size
		if total > MaxUnpackedBytes {
			return fmt.Errorf("package exceeds %s", humanize.Bytes(MaxUnpackedBytes))
		}

		target := filepath.Join(dest, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.CopyN(f, tr, hdr.Size); err != nil {
			_ = f.Close()
			return fmt.Errorf("extract %s: %w", clean, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}
