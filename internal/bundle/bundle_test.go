package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.SetGray(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func writeDir(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func TestSplitDirectory(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewDirBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBlobs: %v", err)
	}
	dir := writeDir(t, map[string][]byte{
		"page-002.png": pngBytes(t, 20),
		"page-001.png": pngBytes(t, 10),
		"page-003.png": pngBytes(t, 10),
		"notes.txt":    []byte("not a page"),
	})

	sp, err := SplitPath(ctx, dir, blobs)
	if err != nil {
		t.Fatalf("SplitPath: %v", err)
	}
	if len(sp.Pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(sp.Pages))
	}
	wantNames := []string{"page-001.png", "page-002.png", "page-003.png"}
	for i, p := range sp.Pages {
		if p.Order != i {
			t.Errorf("page %d has order %d", i, p.Order)
		}
		if p.Name != wantNames[i] {
			t.Errorf("page %d name = %q, want %q", i, p.Name, wantNames[i])
		}
		ok, err := blobs.Exists(ctx, p.BlobKey)
		if err != nil || !ok {
			t.Errorf("blob %s missing: %v", p.BlobKey, err)
		}
	}
	if sp.Pages[0].Hash != sp.Pages[2].Hash {
		t.Error("identical page bytes should hash the same")
	}
	if sp.Pages[0].Hash == sp.Pages[1].Hash {
		t.Error("different page bytes should hash differently")
	}

	again, err := SplitPath(ctx, dir, blobs)
	if err != nil {
		t.Fatalf("SplitPath again: %v", err)
	}
	if again.Hash != sp.Hash {
		t.Errorf("bundle hash changed between splits: %s != %s", again.Hash, sp.Hash)
	}

	img, err := DecodeImage(ctx, blobs, sp.Pages[0].BlobKey)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("decoded width = %d, want 8", img.Bounds().Dx())
	}
}

func TestSplitZipMatchesDirectory(t *testing.T) {
	ctx := context.Background()
	blobs, _ := NewDirBlobs(t.TempDir())
	files := map[string][]byte{
		"a.png": pngBytes(t, 1),
		"b.png": pngBytes(t, 2),
	}
	dir := writeDir(t, files)

	zipPath := filepath.Join(t.TempDir(), "scan.zip")
	zf, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	zw := zip.NewWriter(zf)
	for _, name := range []string{"b.png", "a.png"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		w.Write(files[name])
	}
	zw.Close()
	zf.Close()

	fromDir, err := SplitPath(ctx, dir, blobs)
	if err != nil {
		t.Fatalf("SplitPath dir: %v", err)
	}
	fromZip, err := SplitPath(ctx, zipPath, blobs)
	if err != nil {
		t.Fatalf("SplitPath zip: %v", err)
	}
	if fromZip.Name != "scan" {
		t.Errorf("zip bundle name = %q, want scan", fromZip.Name)
	}
	if fromDir.Hash != fromZip.Hash {
		t.Error("same pages in the same order should give the same bundle hash")
	}
}

func TestBundleHashKeepsPageBoundaries(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewDirBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirBlobs: %v", err)
	}
	a, err := SplitPath(ctx, writeDir(t, map[string][]byte{
		"page-001.png": []byte("abc"),
		"page-002.png": []byte("def"),
	}), blobs)
	if err != nil {
		t.Fatalf("SplitPath: %v", err)
	}
	b, err := SplitPath(ctx, writeDir(t, map[string][]byte{
		"page-001.png": []byte("ab"),
		"page-002.png": []byte("cdef"),
	}), blobs)
	if err != nil {
		t.Fatalf("SplitPath: %v", err)
	}
	if a.Hash == b.Hash {
		t.Errorf("bundles with different page boundaries share hash %s", a.Hash)
	}
}

func TestSplitEmpty(t *testing.T) {
	blobs, _ := NewDirBlobs(t.TempDir())
	dir := writeDir(t, map[string][]byte{"readme.md": []byte("x")})
	if _, err := SplitPath(context.Background(), dir, blobs); err == nil {
		t.Error("expected error for a bundle without images")
	}
}

func TestDirBlobsPutIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs, _ := NewDirBlobs(t.TempDir())
	data := []byte("hello")
	for i := 0; i < 2; i++ {
		if err := blobs.Put(ctx, "abcdef.png", bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	ok, err := blobs.Exists(ctx, "abcdef.png")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, _ = blobs.Exists(ctx, "missing.png")
	if ok {
		t.Error("missing blob reported as present")
	}
}
