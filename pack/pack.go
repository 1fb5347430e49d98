// Package pack rebuilds an .epub archive from a translated book tree.
package pack

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/minios-linux/epubtrans/book"
	"github.com/minios-linux/epubtrans/fileutil"
)

// MimeType is the content of the mimetype entry.
const MimeType = "application/epub+zip"

// ErrExists is returned when the output file exists and Force is off.
var ErrExists = errors.New("output file already exists")

// Options configures Pack.
type Options struct {
	// Dir is the translated tree to archive.
	Dir string
	// SourceDir, when set, supplies files missing from Dir.
	SourceDir string
	// Output is the archive path. Empty derives it from the book title.
	Output string
	Force  bool

	OnLog func(format string, args ...any)
}

// Result describes the written archive.
type Result struct {
	Path   string
	Title  string
	Files  int
	Copied int
	Size   int64
}

func (o Options) logf(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

// Pack writes the archive. The mimetype entry is stored uncompressed
// as the first entry, followed by META-INF and then every other file in
// path order. Leftover write backups are not archived.
func Pack(opts Options) (*Result, error) {
	res := &Result{}

	if opts.SourceDir != "" {
		n, err := fillMissing(opts.SourceDir, opts.Dir)
		if err != nil {
			return nil, err
		}
		res.Copied = n
		if n > 0 {
			opts.logf("Copied %d missing files from %s", n, opts.SourceDir)
		}
	}

	if info, err := book.ReadPackage(opts.Dir); err == nil {
		res.Title = info.Title
	} else {
		opts.logf("Could not read package metadata: %v", err)
	}

	res.Path = opts.Output
	if res.Path == "" {
		res.Path = OutputName(res.Title)
	}
	if !opts.Force && fileutil.Exists(res.Path) {
		return nil, fmt.Errorf("%w: %s", ErrExists, res.Path)
	}

	files, err := archiveOrder(opts.Dir, res.Path)
	if err != nil {
		return nil, err
	}

	if err := write(res.Path, opts.Dir, files); err != nil {
		return nil, err
	}
	res.Files = len(files) + 1

	if info, err := os.Stat(res.Path); err == nil {
		res.Size = info.Size()
	}
	opts.logf("Wrote %s (%d files, %s)", res.Path, res.Files, humanize.Bytes(uint64(res.Size)))
	return res, nil
}

// OutputName returns a file name for a book title.
func OutputName(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "book.epub"
	}
	title = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, title)
	return title + ".epub"
}

// fillMissing copies files of src that do not exist in dst.
func fillMissing(src, dst string) (int, error) {
	docs, err := book.Walk(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		target := d.Path(dst)
		if fileutil.Exists(target) {
			continue
		}
		if err := fileutil.CopyFile(d.Path(src), target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// archiveOrder lists the files of dir in archive order, without the
// mimetype file, backups and the output archive itself.
func archiveOrder(dir, output string) ([]string, error) {
	docs, err := book.Walk(dir)
	if err != nil {
		return nil, err
	}
	outAbs, _ := filepath.Abs(output)

	var meta, rest []string
	for _, d := range docs {
		rel := d.RelPath
		if rel == "mimetype" || strings.HasSuffix(rel, fileutil.BackupSuffix) {
			continue
		}
		if abs, err := filepath.Abs(d.Path(dir)); err == nil && abs == outAbs {
			continue
		}
		if strings.HasPrefix(rel, "META-INF/") {
			meta = append(meta, rel)
		} else {
			rest = append(rest, rel)
		}
	}
	sort.Strings(meta)
	sort.Strings(rest)
	return append(meta, rest...), nil
}

func write(path, dir string, files []string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return fmt.Errorf("writing mimetype: %w", err)
	}
	if _, err := io.WriteString(w, MimeType); err != nil {
		return fmt.Errorf("writing mimetype: %w", err)
	}

	for _, rel := range files {
		if err := addFile(zw, dir, rel); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing %s: %w", path, err)
	}
	return nil
}

func addFile(zw *zip.Writer, dir, rel string) error {
	src := filepath.Join(dir, filepath.FromSlash(rel))
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding %s: %w", rel, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("adding %s: %w", rel, err)
	}
	return nil
}
