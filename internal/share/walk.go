package share

import (
	"io/fs"
	"os"
	"path/filepath"
)

// dirWalker is a resumable, cooperative directory walker: each call to
// next() returns at most one regular file (skipping over directories and
// other entries as it goes), so a caller (scan.go's
// scan_step) can bound how much stat work happens per tick (spec.md
// §4.4.1: "advance the directory cursor by at most scan_batch_size
// entries").
type dirWalker struct {
	dirStack []string
	queue    []queuedEntry
	done     bool
}

type queuedEntry struct {
	dir   string
	entry os.DirEntry
}

func newDirWalker(root string) *dirWalker {
	return &dirWalker{dirStack: []string{root}}
}

// next returns the next regular file found (relative path computed by
// the caller against root), or done=true once the whole tree has been
// visited.
func (w *dirWalker) next(root string) (absPath string, info fs.FileInfo, done bool, err error) {
	for {
		if len(w.queue) > 0 {
			qe := w.queue[0]
			w.queue = w.queue[1:]

			full := filepath.Join(qe.dir, qe.entry.Name())
			if qe.entry.IsDir() {
				w.dirStack = append(w.dirStack, full)
				continue
			}
			if !qe.entry.Type().IsRegular() {
				continue
			}
			fi, err := qe.entry.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return "", nil, false, err
			}
			return full, fi, false, nil
		}

		if len(w.dirStack) == 0 {
			w.done = true
			return "", nil, true, nil
		}

		dir := w.dirStack[len(w.dirStack)-1]
		w.dirStack = w.dirStack[:len(w.dirStack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				continue
			}
			return "", nil, false, err
		}
		for _, e := range entries {
			w.queue = append(w.queue, queuedEntry{dir: dir, entry: e})
		}
	}
}
