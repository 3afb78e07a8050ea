package pkgset

import (
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Compressions lists the archive extensions a package tar may carry, in
// the order common_constants.PACKAGE_COMPRESSIONS lists them.
var Compressions = []string{"bz2", "gz", "lzma", "xz", "zst"}

func extOf(filename string) string {
	for _, ext := range Compressions {
		if strings.HasSuffix(filename, ".tar."+ext) {
			return ext
		}
	}
	return ""
}

// OpenArchive returns a reader over the decompressed tar stream for path,
// dispatching on its extension. gzip and bzip2 use the standard library's
// native decompressors (bzip2 is decompress-only in Go, which is all a
// reader ever needs); lzma/xz/zst have no stdlib decoder, so — exactly as
// the teacher's common/tar.go shells out to the "xz" binary because Go has
// no "compress/xz" package — those three shell out to their respective
// command-line tools and stream stdout back.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch extOf(filepath.Base(path)) {
	case "gz":
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &readCloserPair{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case "bz2":
		return &readCloserPair{Reader: bzip2.NewReader(f), closers: []io.Closer{f}}, nil
	case "lzma":
		return execDecompress(f, "xz", "--format=lzma", "--decompress", "--stdout")
	case "xz":
		return execDecompress(f, "xz", "--decompress", "--stdout")
	case "zst":
		return execDecompress(f, "zstd", "--decompress", "--stdout")
	default:
		f.Close()
		return nil, errors.Errorf("unrecognized compression for %s", path)
	}
}

type readCloserPair struct {
	io.Reader
	closers []io.Closer
}

func (p *readCloserPair) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func execDecompress(stdin *os.File, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, errors.Wrapf(err, "starting %s", name)
	}
	return &cmdReadCloser{ReadCloser: stdout, cmd: cmd, extra: stdin}, nil
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd   *exec.Cmd
	extra *os.File
}

func (c *cmdReadCloser) Close() error {
	err := c.ReadCloser.Close()
	waitErr := c.cmd.Wait()
	c.extra.Close()
	if err == nil {
		err = waitErr
	}
	return err
}
