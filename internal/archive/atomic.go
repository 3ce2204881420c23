package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const writeBufferSize = 64 * 1024

// writeAtomic streams the output of write into a temp file next to dest and
// renames it into place. dest is untouched unless every step succeeds.
func writeAtomic(dest string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	_ = os.Chmod(tmpPath, perm)

	bw := bufio.NewWriterSize(tmp, writeBufferSize)
	if err := write(bw); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// best effort: persist the rename itself
	_ = syncDir(dir)
	return nil
}

// WriteFileAtomic replaces path with data using temp-file-then-rename.
func WriteFileAtomic(path string, data []byte) error {
	err := writeAtomic(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
