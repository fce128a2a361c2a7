// Package gatewaytest provides an in-memory gateway.Client for tests.
// The fake keeps a flat path-keyed filesystem and a scripted job queue,
// counts calls per operation, and can be told to fail specific
// operations a given number of times before succeeding.
package gatewaytest

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcforge/ferry/gateway"
)

type entry struct {
	data       []byte
	mode       fs.FileMode
	isDir      bool
	linkTarget string
	mtime      time.Time
}

// Fake is an in-memory implementation of gateway.Client.
type Fake struct {
	mu    sync.Mutex
	files map[string]*entry

	// Cap is returned by Probe.
	Cap gateway.Capability
	// ProbeErr, when set, makes Probe fail.
	ProbeErr error

	// Jobs is the scripted job listing, in listing order.
	Jobs []gateway.RawJob
	// PageSize is the fake's server-side page size (default 25).
	PageSize int

	// Checksums overrides the reported digest for a path, to provoke
	// mismatches.
	Checksums map[string]string

	calls    map[string]int
	failures map[string][]error

	nextJobID int
}

// New returns an empty fake with a root directory and a 5 MiB direct
// transfer limit.
func New() *Fake {
	f := &Fake{
		files: map[string]*entry{
			"/": {isDir: true, mode: 0o755},
		},
		Cap: gateway.Capability{
			MaxDirectBytes: 5 * 1024 * 1024,
			APIVersion:     "1.16.0",
			ProbedAt:       time.Now(),
		},
		calls:     map[string]int{},
		failures:  map[string][]error{},
		Checksums: map[string]string{},
		nextJobID: 100,
	}
	return f
}

// FailNext arranges for the next n calls of op (e.g. "UploadDirect") to
// return err before the operation succeeds again.
func (f *Fake) FailNext(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[op] = append(f.failures[op], err)
	}
}

// Calls returns how many times op was invoked (failed attempts included).
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return gateway.NewError(gateway.KindCancelled, "", err)
	}
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		err := q[0]
		f.failures[op] = q[1:]
		return err
	}
	return nil
}

// PutFile seeds a file, creating parent directories.
func (f *Fake) PutFile(p string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(path.Dir(gateway.Normalize(p)))
	f.files[gateway.Normalize(p)] = &entry{
		data:  append([]byte(nil), data...),
		mode:  mode,
		mtime: time.Now(),
	}
}

// PutDir seeds a directory.
func (f *Fake) PutDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(gateway.Normalize(p))
}

// FileData returns the contents of a seeded or uploaded file.
func (f *Fake) FileData(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.files[gateway.Normalize(p)]
	if !ok || e.isDir {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Exists reports whether a path is present.
func (f *Fake) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[gateway.Normalize(p)]
	return ok
}

// Paths returns all stored paths, sorted. Useful for asserting cleanup.
func (f *Fake) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) mkdirAll(p string) {
	if p == "" || p == "." {
		return
	}
	if e, ok := f.files[p]; ok && e.isDir {
		return
	}
	parent := path.Dir(p)
	if parent != p {
		f.mkdirAll(parent)
	}
	f.files[p] = &entry{isDir: true, mode: 0o755, mtime: time.Now()}
}

func (f *Fake) descriptor(p string, e *entry) gateway.FileDescriptor {
	return gateway.FileDescriptor{
		Path:       p,
		Size:       int64(len(e.data)),
		Mode:       e.mode,
		IsDir:      e.isDir,
		IsSymlink:  e.linkTarget != "",
		LinkTarget: e.linkTarget,
		ModTime:    e.mtime,
	}
}

// Probe implements gateway.Client.
func (f *Fake) Probe(ctx context.Context) (gateway.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Probe"); err != nil {
		return gateway.Capability{}, err
	}
	if f.ProbeErr != nil {
		return gateway.Capability{}, f.ProbeErr
	}
	return f.Cap, nil
}

func (f *Fake) Stat(ctx context.Context, p string) (gateway.FileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Stat"); err != nil {
		return gateway.FileDescriptor{}, err
	}
	p = gateway.Normalize(p)
	e, ok := f.files[p]
	if !ok {
		return gateway.FileDescriptor{}, gateway.NewError(gateway.KindNotFound, p, nil)
	}
	return f.descriptor(p, e), nil
}

func (f *Fake) List(ctx context.Context, p string, recursive bool) ([]gateway.FileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "List"); err != nil {
		return nil, err
	}
	p = gateway.Normalize(p)
	dir, ok := f.files[p]
	if !ok {
		return nil, gateway.NewError(gateway.KindNotFound, p, nil)
	}
	if !dir.isDir {
		return nil, gateway.NewError(gateway.KindPermanent, p, fmt.Errorf("not a directory"))
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var out []gateway.FileDescriptor
	for fp, e := range f.files {
		if fp == p || !strings.HasPrefix(fp, prefix) {
			continue
		}
		rel := strings.TrimPrefix(fp, prefix)
		if !recursive && strings.Contains(rel, "/") {
			continue
		}
		out = append(out, f.descriptor(fp, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *Fake) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Chmod"); err != nil {
		return err
	}
	p = gateway.Normalize(p)
	e, ok := f.files[p]
	if !ok {
		return gateway.NewError(gateway.KindNotFound, p, nil)
	}
	e.mode = mode
	return nil
}

func (f *Fake) Mkdir(ctx context.Context, p string, parents bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Mkdir"); err != nil {
		return err
	}
	p = gateway.Normalize(p)
	if e, ok := f.files[p]; ok {
		if e.isDir && parents {
			return nil
		}
		return gateway.NewError(gateway.KindExists, p, nil)
	}
	if !parents {
		parent := path.Dir(p)
		if e, ok := f.files[parent]; !ok || !e.isDir {
			return gateway.NewError(gateway.KindNotFound, parent, nil)
		}
	}
	f.mkdirAll(p)
	return nil
}

func (f *Fake) Remove(ctx context.Context, p string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Remove"); err != nil {
		return err
	}
	p = gateway.Normalize(p)
	e, ok := f.files[p]
	if !ok {
		return gateway.NewError(gateway.KindNotFound, p, nil)
	}
	if e.isDir && !recursive {
		for fp := range f.files {
			if strings.HasPrefix(fp, p+"/") {
				return gateway.NewError(gateway.KindPermanent, p, fmt.Errorf("directory not empty"))
			}
		}
	}
	delete(f.files, p)
	for fp := range f.files {
		if strings.HasPrefix(fp, p+"/") {
			delete(f.files, fp)
		}
	}
	return nil
}

func (f *Fake) Rename(ctx context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Rename"); err != nil {
		return err
	}
	oldPath, newPath = gateway.Normalize(oldPath), gateway.Normalize(newPath)
	e, ok := f.files[oldPath]
	if !ok {
		return gateway.NewError(gateway.KindNotFound, oldPath, nil)
	}
	f.mkdirAll(path.Dir(newPath))
	delete(f.files, oldPath)
	f.files[newPath] = e
	moved := map[string]*entry{}
	for fp, fe := range f.files {
		if strings.HasPrefix(fp, oldPath+"/") {
			moved[newPath+strings.TrimPrefix(fp, oldPath)] = fe
			delete(f.files, fp)
		}
	}
	for fp, fe := range moved {
		f.files[fp] = fe
	}
	return nil
}

func (f *Fake) UploadDirect(ctx context.Context, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "UploadDirect"); err != nil {
		return err
	}
	if f.Cap.MaxDirectBytes > 0 && int64(len(data)) > f.Cap.MaxDirectBytes {
		return gateway.NewError(gateway.KindPermanent, p, fmt.Errorf("payload exceeds direct limit"))
	}
	p = gateway.Normalize(p)
	f.mkdirAll(path.Dir(p))
	f.files[p] = &entry{data: append([]byte(nil), data...), mode: 0o644, mtime: time.Now()}
	return nil
}

func (f *Fake) DownloadDirect(ctx context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "DownloadDirect"); err != nil {
		return nil, err
	}
	p = gateway.Normalize(p)
	e, ok := f.files[p]
	if !ok || e.isDir {
		return nil, gateway.NewError(gateway.KindNotFound, p, nil)
	}
	if f.Cap.MaxDirectBytes > 0 && int64(len(e.data)) > f.Cap.MaxDirectBytes {
		return nil, gateway.NewError(gateway.KindPermanent, p, fmt.Errorf("payload exceeds direct limit"))
	}
	return append([]byte(nil), e.data...), nil
}

func (f *Fake) UploadStream(ctx context.Context, p string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return gateway.NewError(gateway.KindTransient, p, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "UploadStream"); err != nil {
		return err
	}
	p = gateway.Normalize(p)
	f.mkdirAll(path.Dir(p))
	f.files[p] = &entry{data: data, mode: 0o644, mtime: time.Now()}
	return nil
}

func (f *Fake) DownloadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "DownloadStream"); err != nil {
		return nil, err
	}
	p = gateway.Normalize(p)
	e, ok := f.files[p]
	if !ok || e.isDir {
		return nil, gateway.NewError(gateway.KindNotFound, p, nil)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), e.data...))), nil
}

func (f *Fake) Checksum(ctx context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Checksum"); err != nil {
		return "", err
	}
	p = gateway.Normalize(p)
	if sum, ok := f.Checksums[p]; ok {
		return sum, nil
	}
	e, ok := f.files[p]
	if !ok || e.isDir {
		return "", gateway.NewError(gateway.KindNotFound, p, nil)
	}
	digest := sha256.Sum256(e.data)
	return hex.EncodeToString(digest[:]), nil
}

func (f *Fake) RemoteCopy(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "RemoteCopy"); err != nil {
		return err
	}
	src, dst = gateway.Normalize(src), gateway.Normalize(dst)
	e, ok := f.files[src]
	if !ok {
		return gateway.NewError(gateway.KindNotFound, src, nil)
	}
	f.mkdirAll(path.Dir(dst))
	f.files[dst] = &entry{
		data:  append([]byte(nil), e.data...),
		mode:  e.mode,
		isDir: e.isDir,
		mtime: time.Now(),
	}
	for fp, fe := range f.files {
		if strings.HasPrefix(fp, src+"/") {
			f.files[dst+strings.TrimPrefix(fp, src)] = &entry{
				data:  append([]byte(nil), fe.data...),
				mode:  fe.mode,
				isDir: fe.isDir,
				mtime: time.Now(),
			}
		}
	}
	return nil
}

// Archive tars the contents of treePath into archivePath, paths relative
// to the tree root.
func (f *Fake) Archive(ctx context.Context, treePath, archivePath string, dereference bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Archive"); err != nil {
		return err
	}
	treePath = gateway.Normalize(treePath)
	root, ok := f.files[treePath]
	if !ok || !root.isDir {
		return gateway.NewError(gateway.KindNotFound, treePath, nil)
	}
	var names []string
	for fp := range f.files {
		if strings.HasPrefix(fp, treePath+"/") {
			names = append(names, fp)
		}
	}
	sort.Strings(names)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, fp := range names {
		e := f.files[fp]
		rel := strings.TrimPrefix(fp, treePath+"/")
		hdr := &tar.Header{Name: rel, Mode: int64(e.mode.Perm()), ModTime: e.mtime}
		if e.isDir {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.data))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return gateway.NewError(gateway.KindRemoteArchive, treePath, err)
		}
		if !e.isDir {
			if _, err := tw.Write(e.data); err != nil {
				return gateway.NewError(gateway.KindRemoteArchive, treePath, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return gateway.NewError(gateway.KindRemoteArchive, treePath, err)
	}
	archivePath = gateway.Normalize(archivePath)
	f.mkdirAll(path.Dir(archivePath))
	f.files[archivePath] = &entry{data: buf.Bytes(), mode: 0o644, mtime: time.Now()}
	return nil
}

// Extract unpacks a remote archive into destTree.
func (f *Fake) Extract(ctx context.Context, archivePath, destTree string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Extract"); err != nil {
		return err
	}
	archivePath = gateway.Normalize(archivePath)
	e, ok := f.files[archivePath]
	if !ok || e.isDir {
		return gateway.NewError(gateway.KindNotFound, archivePath, nil)
	}
	destTree = gateway.Normalize(destTree)
	f.mkdirAll(destTree)
	tr := tar.NewReader(bytes.NewReader(e.data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return gateway.NewError(gateway.KindRemoteArchive, archivePath, err)
		}
		target := gateway.Join(destTree, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			f.mkdirAll(target)
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return gateway.NewError(gateway.KindRemoteArchive, archivePath, err)
			}
			f.mkdirAll(path.Dir(target))
			f.files[target] = &entry{data: data, mode: fs.FileMode(hdr.Mode).Perm(), mtime: hdr.ModTime}
		}
	}
	return nil
}

func (f *Fake) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "SubmitJob"); err != nil {
		return "", err
	}
	scriptPath = gateway.Normalize(scriptPath)
	if _, ok := f.files[scriptPath]; !ok {
		return "", gateway.NewError(gateway.KindNotFound, scriptPath, nil)
	}
	f.nextJobID++
	id := strconv.Itoa(f.nextJobID)
	f.Jobs = append(f.Jobs, gateway.RawJob{ID: id, State: "PENDING", Name: path.Base(scriptPath)})
	return id, nil
}

func (f *Fake) ListJobs(ctx context.Context, q gateway.JobQuery, page int) ([]gateway.RawJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "ListJobs"); err != nil {
		return nil, false, err
	}
	var filtered []gateway.RawJob
	for _, j := range f.Jobs {
		if q.User != "" && j.User != q.User {
			continue
		}
		if len(q.IDs) > 0 {
			found := false
			for _, id := range q.IDs {
				if id == j.ID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		filtered = append(filtered, j)
	}
	size := f.PageSize
	if size <= 0 {
		size = 25
	}
	start := page * size
	if start >= len(filtered) {
		return nil, false, nil
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], end < len(filtered), nil
}

func (f *Fake) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "CancelJob"); err != nil {
		return err
	}
	for i := range f.Jobs {
		if f.Jobs[i].ID == jobID {
			f.Jobs[i].State = "CANCELLED"
			return nil
		}
	}
	return gateway.NewJobError(gateway.KindNotFound, jobID, nil)
}

func (f *Fake) Whoami(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Whoami"); err != nil {
		return "", err
	}
	return "testuser", nil
}

var _ gateway.Client = (*Fake)(nil)
