// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/gzip"
	"github.com/nwaples/rardecode/v2"
	"github.com/ulikunitz/xz"
)

// ErrSecretRequired reports a password-protected archive. Extraction
// blocks until a secret arrives out-of-band.
var ErrSecretRequired = errors.New("archive: secret required")

// ErrUnsupported reports a container format the expander cannot read.
var ErrUnsupported = errors.New("archive: unsupported container")

// Member is one archive entry, valid until the next call to Next.
type Member struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// container streams archive members in on-disk order.
type container interface {
	// Next returns the next regular-file member, or io.EOF at the end.
	Next() (*Member, error)
	Close() error
}

// openContainer selects a backend by extension. secret may be empty.
func openContainer(path, secret string) (container, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return openZip(path, secret)
	case ".rar":
		return openRar(path, secret)
	case ".7z":
		return open7z(path, secret)
	case ".gz", ".bz2", ".xz", ".tar":
		return openTar(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}

// countMembers scans the container once and returns its regular-file
// member count.
func countMembers(path, secret string) (int, error) {
	c, err := openContainer(path, secret)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	count := 0
	for {
		if _, err := c.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		count++
	}
}

// isEncryptedErr recognizes backend password errors across libraries.
func isEncryptedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}

// --- zip ---

type zipContainer struct {
	rc  *zip.ReadCloser
	idx int
	cur io.ReadCloser
}

func openZip(path, secret string) (container, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", path, err)
	}
	for _, f := range rc.File {
		// Bit 0 of the general-purpose flags marks encryption. The
		// standard library cannot decrypt; a secret won't help here.
		if f.Flags&0x1 != 0 {
			_ = rc.Close()
			if secret != "" {
				return nil, fmt.Errorf("%w: encrypted zip members", ErrUnsupported)
			}
			return nil, ErrSecretRequired
		}
	}
	return &zipContainer{rc: rc}, nil
}

func (z *zipContainer) Next() (*Member, error) {
	if z.cur != nil {
		_ = z.cur.Close()
		z.cur = nil
	}
	for z.idx < len(z.rc.File) {
		f := z.rc.File[z.idx]
		z.idx++
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip member %s: %w", f.Name, err)
		}
		z.cur = r
		//nolint:gosec // sizes above int64 max do not occur in practice
		return &Member{Name: f.Name, Size: int64(f.UncompressedSize64), Reader: r}, nil
	}
	return nil, io.EOF
}

func (z *zipContainer) Close() error {
	if z.cur != nil {
		_ = z.cur.Close()
	}
	return z.rc.Close()
}

// --- rar ---

type rarContainer struct {
	rc *rardecode.ReadCloser
}

func openRar(path, secret string) (container, error) {
	var opts []rardecode.Option
	if secret != "" {
		opts = append(opts, rardecode.Password(secret))
	}
	rc, err := rardecode.OpenReader(path, opts...)
	if err != nil {
		if isEncryptedErr(err) && secret == "" {
			return nil, ErrSecretRequired
		}
		return nil, fmt.Errorf("open rar %s: %w", path, err)
	}
	return &rarContainer{rc: rc}, nil
}

func (r *rarContainer) Next() (*Member, error) {
	for {
		hdr, err := r.rc.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			if isEncryptedErr(err) {
				return nil, ErrSecretRequired
			}
			return nil, fmt.Errorf("rar next: %w", err)
		}
		if hdr.IsDir {
			continue
		}
		return &Member{Name: hdr.Name, Size: hdr.UnPackedSize, Reader: r.rc}, nil
	}
}

func (r *rarContainer) Close() error { return r.rc.Close() }

// --- 7z ---

type sevenZipContainer struct {
	rc  *sevenzip.ReadCloser
	idx int
	cur io.ReadCloser
}

func open7z(path, secret string) (container, error) {
	var (
		rc  *sevenzip.ReadCloser
		err error
	)
	if secret != "" {
		rc, err = sevenzip.OpenReaderWithPassword(path, secret)
	} else {
		rc, err = sevenzip.OpenReader(path)
	}
	if err != nil {
		if isEncryptedErr(err) && secret == "" {
			return nil, ErrSecretRequired
		}
		return nil, fmt.Errorf("open 7z %s: %w", path, err)
	}
	return &sevenZipContainer{rc: rc}, nil
}

func (s *sevenZipContainer) Next() (*Member, error) {
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
	for s.idx < len(s.rc.File) {
		f := s.rc.File[s.idx]
		s.idx++
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			if isEncryptedErr(err) {
				return nil, ErrSecretRequired
			}
			return nil, fmt.Errorf("open 7z member %s: %w", f.Name, err)
		}
		s.cur = r
		//nolint:gosec // sizes above int64 max do not occur in practice
		return &Member{Name: f.Name, Size: int64(f.UncompressedSize), Reader: r}, nil
	}
	return nil, io.EOF
}

func (s *sevenZipContainer) Close() error {
	if s.cur != nil {
		_ = s.cur.Close()
	}
	return s.rc.Close()
}

// --- tar, plain or compressed ---

type tarContainer struct {
	f  *os.File
	gz *gzip.Reader
	tr *tar.Reader
}

func openTar(path string) (container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tar %s: %w", path, err)
	}
	tc := &tarContainer{f: f}
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		tc.gz = gz
		tc.tr = tar.NewReader(gz)
	case strings.HasSuffix(strings.ToLower(path), ".bz2"):
		tc.tr = tar.NewReader(bzip2.NewReader(f))
	case strings.HasSuffix(strings.ToLower(path), ".xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open xz %s: %w", path, err)
		}
		tc.tr = tar.NewReader(xr)
	default:
		tc.tr = tar.NewReader(f)
	}
	return tc, nil
}

func (t *tarContainer) Next() (*Member, error) {
	for {
		hdr, err := t.tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("tar next: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return &Member{Name: hdr.Name, Size: hdr.Size, Reader: t.tr}, nil
	}
}

func (t *tarContainer) Close() error {
	if t.gz != nil {
		_ = t.gz.Close()
	}
	return t.f.Close()
}
