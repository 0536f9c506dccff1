// Package bundle packs a file set into a tar.gz container and back,
// computing a sha256 per file as it streams.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source names one file to pack: where it lives on disk and the relative
// name it carries inside the container.
type Source struct {
	Path string
	Name string
}

// Entry describes one packed or extracted file.
type Entry struct {
	Name   string
	Size   int64
	SHA256 string
}

// ProgressFunc receives per-file progress. current counts completed files.
type ProgressFunc func(name string, current, total int)

// CollectSources expands the given paths into sources. Directories are
// walked; archive names are relative to the argument that contained them.
func CollectSources(paths []string) ([]Source, error) {
	var sources []Source
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			sources = append(sources, Source{Path: p, Name: filepath.Base(p)})
			continue
		}
		base := filepath.Base(p)
		err = filepath.Walk(p, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(p, path)
			if err != nil {
				return err
			}
			sources = append(sources, Source{Path: path, Name: filepath.ToSlash(filepath.Join(base, rel))})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

// Pack writes the sources as a tar.gz stream, returning one entry per file
// with its size and content hash. The context aborts between files.
func Pack(ctx context.Context, w io.Writer, sources []Source, progress ProgressFunc) ([]Entry, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("nothing to pack")
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	entries := make([]Entry, 0, len(sources))
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", src.Path, err)
		}

		hdr := &tar.Header{
			Name:    src.Name,
			Mode:    0600,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write header for %s: %w", src.Name, err)
		}

		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", src.Path, err)
		}

		hash := sha256.New()
		n, err := io.Copy(io.MultiWriter(tw, hash), f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to pack %s: %w", src.Name, err)
		}

		entries = append(entries, Entry{
			Name:   src.Name,
			Size:   n,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		if progress != nil {
			progress(src.Name, i+1, len(sources))
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compression: %w", err)
	}
	return entries, nil
}

// Unpack extracts a tar.gz stream into destDir, returning one entry per
// extracted file with the hash of what was actually written. Entry names
// are confined to destDir; absolute names and parent traversal are
// rejected.
func Unpack(ctx context.Context, r io.Reader, destDir string, progress ProgressFunc) ([]Entry, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open compression stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var entries []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.ToSlash(hdr.Name)
		if err := validateEntryName(name); err != nil {
			return nil, err
		}

		target := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", name, err)
		}

		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", target, err)
		}

		hash := sha256.New()
		n, err := io.Copy(io.MultiWriter(f, hash), tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", name, err)
		}

		entries = append(entries, Entry{
			Name:   name,
			Size:   n,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		if progress != nil {
			progress(name, len(entries), 0)
		}
	}
	return entries, nil
}

func validateEntryName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return fmt.Errorf("unsafe archive entry name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("unsafe archive entry name %q", name)
		}
	}
	return nil
}
