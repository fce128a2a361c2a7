package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpcforge/ferry/gateway"
)

// localStat stats a local path. With dereference set, symlinks are
// resolved before reading metadata.
func localStat(path string, dereference bool) (os.FileInfo, error) {
	if dereference {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

// expandLocal resolves one source argument against the local
// filesystem. A pattern containing glob metacharacters expands against
// a single snapshot of the filesystem; a plain path is returned as-is
// after an existence check. A pattern matching nothing is an error.
func expandLocal(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		if _, err := os.Lstat(pattern); err != nil {
			if os.IsNotExist(err) {
				return nil, gateway.NewError(gateway.KindNotFound, pattern, err)
			}
			return nil, err
		}
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, gateway.NewError(gateway.KindPermanent, pattern, err)
	}
	if len(matches) == 0 {
		return nil, gateway.NewError(gateway.KindNotFound, pattern, fmt.Errorf("no matches"))
	}
	return matches, nil
}

// localSnapshot walks a local tree iteratively and maps every entry
// under destRoot. The walk is stack-based rather than recursive so very
// deep trees cannot exhaust the stack, and the result is a one-shot
// snapshot: later planning and execution act on these items even if the
// filesystem changes underneath.
func localSnapshot(root, destRoot string, dereference bool) ([]TransferItem, error) {
	rootInfo, err := localStat(root, true)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateway.NewError(gateway.KindNotFound, root, err)
		}
		return nil, err
	}
	if !rootInfo.IsDir() {
		return []TransferItem{{
			SourcePath: root,
			DestPath:   destRoot,
			Size:       rootInfo.Size(),
			Mode:       uint32(rootInfo.Mode().Perm()),
		}}, nil
	}

	var items []TransferItem
	stack := []string{""}

	for len(stack) > 0 {
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := root
		if rel != "" {
			dir = filepath.Join(root, rel)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			entryRel := entry.Name()
			if rel != "" {
				entryRel = filepath.Join(rel, entry.Name())
			}
			full := filepath.Join(root, entryRel)

			info, err := localStat(full, dereference)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", full, err)
			}

			// Without dereference a symlinked directory is not
			// descended into, so link cycles cannot loop the walk.
			if info.IsDir() {
				items = append(items, TransferItem{
					SourcePath: full,
					DestPath:   gateway.Join(destRoot, filepath.ToSlash(entryRel)),
					Mode:       uint32(info.Mode().Perm()),
					IsDir:      true,
				})
				stack = append(stack, entryRel)
				continue
			}
			if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
				// Sockets, devices and the like have no remote
				// representation.
				continue
			}
			size := info.Size()
			if info.Mode()&os.ModeSymlink != 0 {
				// The per-file path follows the link contents.
				target, err := os.Stat(full)
				if err != nil || target.IsDir() {
					continue
				}
				size = target.Size()
			}
			items = append(items, TransferItem{
				SourcePath: full,
				DestPath:   gateway.Join(destRoot, filepath.ToSlash(entryRel)),
				Size:       size,
				Mode:       uint32(info.Mode().Perm()),
			})
		}
	}
	return items, nil
}
