// Package bundle splits an uploaded scan into ordered page images and
// stores them content-addressed.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

func contentType(name string) string {
	if ct, ok := imageExts[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// IsImageName reports whether name has a supported page image extension.
func IsImageName(name string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Page is one page image of a split bundle.
type Page struct {
	Order   int
	Name    string
	Hash    string
	BlobKey string
	Size    int64
}

// Split is the result of splitting a scan.
type Split struct {
	Name  string
	Hash  string
	Pages []Page
}

type source struct {
	name string
	open func() (io.ReadCloser, error)
}

// SplitPath splits a directory of page images or a zip archive of page
// images. Pages are ordered by file name. Every page is written to blobs
// and the whole-bundle hash is the sha256 of the page hashes in order, one
// per line, so page boundaries are part of the bundle identity.
func SplitPath(ctx context.Context, path string, blobs Blobs) (*Split, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var sources []source
	var closer io.Closer
	switch {
	case info.IsDir():
		sources, err = dirSources(path)
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		var zr *zip.ReadCloser
		zr, err = zip.OpenReader(path)
		if err == nil {
			closer = zr
			sources = zipSources(&zr.Reader)
		}
	case IsImageName(path):
		sources = []source{{name: filepath.Base(path), open: func() (io.ReadCloser, error) { return os.Open(path) }}}
	default:
		return nil, fmt.Errorf("unsupported bundle %s: want a directory, a .zip or an image", path)
	}
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("bundle %s has no page images", path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return split(ctx, name, sources, blobs)
}

func dirSources(dir string) ([]source, error) {
	var out []source
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsImageName(p) {
			slog.Debug("skipping non-image file", "path", p)
			return nil
		}
		out = append(out, source{name: d.Name(), open: func() (io.ReadCloser, error) { return os.Open(p) }})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, err
}

func zipSources(zr *zip.Reader) []source {
	var out []source
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !IsImageName(f.Name) {
			continue
		}
		out = append(out, source{name: f.Name, open: f.Open})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func split(ctx context.Context, name string, sources []source, blobs Blobs) (*Split, error) {
	whole := sha256.New()
	res := &Split{Name: name}
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := storePage(ctx, i, src, blobs)
		if err != nil {
			return nil, fmt.Errorf("page %d (%s): %w", i, src.name, err)
		}
		fmt.Fprintln(whole, page.Hash)
		res.Pages = append(res.Pages, page)
	}
	res.Hash = hex.EncodeToString(whole.Sum(nil))
	return res, nil
}

func storePage(ctx context.Context, order int, src source, blobs Blobs) (Page, error) {
	rc, err := src.open()
	if err != nil {
		return Page{}, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, h), rc)
	if err != nil {
		return Page{}, err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	key := sum + strings.ToLower(filepath.Ext(src.name))
	if err := blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), n); err != nil {
		return Page{}, fmt.Errorf("store blob: %w", err)
	}
	return Page{Order: order, Name: src.name, Hash: sum, BlobKey: key, Size: n}, nil
}

// DecodeImage loads and decodes a stored page image.
func DecodeImage(ctx context.Context, blobs Blobs, key string) (image.Image, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return img, nil
}
