package engine

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hpcforge/ferry/gateway"
)

// remoteTempArchive returns a collision-free archive path under dir, so
// concurrent batches staging through the same remote directory never
// clobber each other.
func remoteTempArchive(dir string) string {
	return gateway.Join(dir, "ferry-"+uuid.NewString()+".tar")
}

// packLocalTree writes the contents of root as a tar stream, entry
// names relative to root. With dereference set, symlinks are packed as
// the files they point to; otherwise they are packed as links.
func packLocalTree(w io.Writer, root string, dereference bool, bufs *BufferPool) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := localStat(path, dereference)
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			hdr := &tar.Header{
				Name:     rel + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr := &tar.Header{
				Name:     rel,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)

		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Name:     rel,
				Typeflag: tar.TypeReg,
				Size:     info.Size(),
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			buf := bufs.Get()
			_, err = io.CopyBuffer(tw, f, *buf)
			bufs.Put(buf)
			f.Close()
			return err

		default:
			// No remote representation for sockets and devices.
			return nil
		}
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// unpackLocalTree extracts a tar stream into destDir. Entries that
// would escape destDir are rejected rather than skipped, since a
// hostile archive indicates a compromised remote. On failure every
// entry the unpack wrote is removed; content that existed in destDir
// before the call is left alone.
func unpackLocalTree(r io.Reader, destDir string, bufs *BufferPool) error {
	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(r)

	// Entries this unpack created, deepest last. For directories only
	// the highest newly created ancestor is recorded, so removing the
	// recorded paths in reverse undoes exactly this unpack.
	var created []string
	fail := func(err error) error {
		for i := len(created) - 1; i >= 0; i-- {
			os.RemoveAll(created[i])
		}
		return err
	}
	mkdirAll := func(dir string, mode fs.FileMode) error {
		missing := ""
		for p := dir; strings.HasPrefix(p, cleanDest); p = filepath.Dir(p) {
			if _, err := os.Lstat(p); err == nil {
				break
			}
			missing = p
			if p == cleanDest || filepath.Dir(p) == p {
				break
			}
		}
		if err := os.MkdirAll(dir, mode); err != nil {
			return err
		}
		if missing != "" {
			created = append(created, missing)
		}
		return nil
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fail(err)
		}

		target := filepath.Join(cleanDest, filepath.FromSlash(hdr.Name))
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fail(fmt.Errorf("archive entry %q escapes destination directory", hdr.Name))
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := mkdirAll(target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fail(err)
			}

		case tar.TypeSymlink:
			if err := mkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fail(err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				if !os.IsExist(err) {
					return fail(err)
				}
			} else {
				created = append(created, target)
			}

		case tar.TypeReg:
			if err := mkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fail(err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fail(err)
			}
			created = append(created, target)
			buf := bufs.Get()
			_, err = io.CopyBuffer(f, tr, *buf)
			bufs.Put(buf)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fail(err)
			}

		default:
			// Hard links and exotic entry types are not produced by
			// the packing side; ignore them.
		}
	}
}
