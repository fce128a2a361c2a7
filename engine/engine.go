// Package engine moves files and trees between the local filesystem
// and a remote system reached through a gateway client. It expands
// sources against a one-shot snapshot, plans batch strategy from the
// endpoint's probed capabilities, stages directory trees through tar
// archives when per-call overhead would dominate, verifies transfers
// by checksum, and reports per-item outcomes so one bad file does not
// sink a batch.
package engine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/metrics"
	"github.com/hpcforge/ferry/retry"
)

// DefaultRemoteTempDir is where staged archives land when the caller
// does not configure a scratch directory.
const DefaultRemoteTempDir = "/tmp"

// DefaultCopyArchiveThreshold is the tree size above which a remote
// directory copy goes through the archive path rather than a native
// copy, which tends to degrade across filesystems at this scale.
const DefaultCopyArchiveThreshold = 256 << 20

// Config tunes one Engine. The zero value is usable: sequential
// transfers, default planner costs, default retry policy.
type Config struct {
	// Parallelism bounds concurrent per-file transfers within one
	// batch. Zero or one means sequential.
	Parallelism int

	// TempDir is the remote scratch directory for staged archives.
	TempDir string

	// Endpoint keys the capability cache. Engines talking to distinct
	// gateways should use distinct endpoint names.
	Endpoint string

	RetryPolicy retry.Policy
	Costs       PlannerCosts

	// CopyArchiveThreshold is the tree size in bytes above which a
	// remote-to-remote directory copy is staged through a remote
	// archive instead of a native copy. Zero means the default.
	CopyArchiveThreshold int64

	// CapabilityTTL optionally bounds how long a probed capability
	// set is trusted. Zero means probed values hold for the life of
	// the process unless explicitly invalidated.
	CapabilityTTL time.Duration

	BufferSize int

	Logger *zap.Logger
}

// Engine orchestrates transfers against one gateway client.
type Engine struct {
	client gateway.Client
	caps   *CapabilityCache
	bufs   *BufferPool
	cfg    Config
	log    *zap.Logger
}

// New creates an Engine over client.
func New(client gateway.Client, cfg Config) *Engine {
	if cfg.TempDir == "" {
		cfg.TempDir = DefaultRemoteTempDir
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "default"
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.Costs == (PlannerCosts{}) {
		cfg.Costs = DefaultPlannerCosts()
	}
	if cfg.CopyArchiveThreshold == 0 {
		cfg.CopyArchiveThreshold = DefaultCopyArchiveThreshold
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		client: client,
		caps:   NewCapabilityCache(cfg.CapabilityTTL),
		bufs:   NewBufferPool(cfg.BufferSize),
		cfg:    cfg,
		log:    log,
	}
}

// Capabilities returns the endpoint's capability set, probing it on
// first use.
func (e *Engine) Capabilities(ctx context.Context) (gateway.Capability, error) {
	return e.caps.Get(ctx, e.cfg.Endpoint, e.client.Probe)
}

// InvalidateCapabilities drops the cached capability set, forcing a
// re-probe on the next transfer.
func (e *Engine) InvalidateCapabilities() {
	e.caps.Invalidate(e.cfg.Endpoint)
}

// ItemResult is one successfully handled batch entry.
type ItemResult struct {
	Source   string
	Dest     string
	Bytes    int64
	Strategy Strategy
	// Skipped marks destinations left untouched under OverwriteSkip.
	Skipped bool
}

// ItemFailure is one batch entry that could not be completed.
type ItemFailure struct {
	Source string
	Dest   string
	Err    error
}

// BatchResult reports the outcome of every entry of a batch. A batch
// with failures still completes its remaining entries.
type BatchResult struct {
	Completed []ItemResult
	Failed    []ItemFailure
}

// OK reports whether every entry completed.
func (r *BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// Err summarizes the failures, or returns nil when there are none.
func (r *BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d transfers failed: first: %w",
		len(r.Failed), len(r.Failed)+len(r.Completed), r.Failed[0].Err)
}

func (r *BatchResult) complete(res ItemResult) {
	r.Completed = append(r.Completed, res)
}

func (r *BatchResult) fail(source, dest string, err error) {
	r.Failed = append(r.Failed, ItemFailure{Source: source, Dest: dest, Err: err})
}

// Put uploads the request's sources to the remote system. Source
// arguments resolve against the local filesystem; glob patterns expand
// once, before any transfer starts. The returned error is non-nil
// exactly when the result records at least one failed item; completed
// items are reported either way so callers can retry failures alone.
func (e *Engine) Put(ctx context.Context, req TransferRequest) (*BatchResult, error) {
	start := time.Now()
	cap, err := e.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, pair := range req.Pairs {
		sources, err := expandLocal(pair.Source)
		if err != nil {
			result.fail(pair.Source, pair.Dest, err)
			continue
		}
		multi := len(sources) > 1
		for _, src := range sources {
			e.putOne(ctx, src, pair.Dest, multi, req, cap, result)
		}
	}
	metrics.ObserveOperation("upload", time.Since(start).Seconds())
	return result, result.Err()
}

func (e *Engine) putOne(ctx context.Context, src, dest string, multi bool, req TransferRequest, cap gateway.Capability, result *BatchResult) {
	info, err := localStat(src, true)
	if err != nil {
		result.fail(src, dest, gateway.NewError(gateway.KindNotFound, src, err))
		return
	}

	destPath, err := e.remoteDestFor(ctx, src, dest, multi)
	if err != nil {
		result.fail(src, dest, err)
		return
	}

	if !info.IsDir() {
		item := TransferItem{
			SourcePath: src,
			DestPath:   destPath,
			Size:       info.Size(),
			Mode:       uint32(info.Mode().Perm()),
		}
		e.uploadFiles(ctx, []TransferItem{item}, req, cap, result)
		return
	}

	if !req.Recursive {
		result.fail(src, dest, gateway.NewError(gateway.KindPermanent, src, fmt.Errorf("is a directory and the request is not recursive")))
		return
	}

	items, err := localSnapshot(src, destPath, req.Dereference)
	if err != nil {
		result.fail(src, dest, err)
		return
	}
	if err := e.mkdirRemote(ctx, destPath); err != nil {
		result.fail(src, dest, err)
		return
	}

	plan := Plan(items, cap, e.cfg.Costs)
	if req.ForceArchive && plan.FileCount > 0 {
		plan.Strategy = StrategyArchive
	}
	e.log.Debug("upload planned",
		zap.String("source", src),
		zap.String("dest", destPath),
		zap.Stringer("strategy", plan.Strategy),
		zap.Int("files", plan.FileCount),
		zap.Int64("bytes", plan.TotalBytes),
	)

	if plan.Strategy == StrategyArchive {
		if err := e.uploadArchive(ctx, src, destPath, req, cap); err != nil {
			result.fail(src, destPath, err)
			metrics.RecordTransfer("upload", "archive", "failed")
			return
		}
		result.complete(ItemResult{Source: src, Dest: destPath, Bytes: plan.TotalBytes, Strategy: StrategyArchive})
		metrics.RecordTransfer("upload", "archive", "ok")
		metrics.RecordBytes("upload", plan.TotalBytes)
		return
	}
	e.uploadFiles(ctx, items, req, cap, result)
}

// remoteDestFor resolves the effective destination path. When the
// destination exists and is a directory, or when several sources land
// on one destination, entries are placed under it by base name.
func (e *Engine) remoteDestFor(ctx context.Context, src, dest string, multi bool) (string, error) {
	fd, err := e.statRemote(ctx, dest)
	switch {
	case err == nil && fd.IsDir:
		return gateway.Join(dest, filepath.Base(src)), nil
	case err == nil:
		return gateway.Normalize(dest), nil
	case gateway.KindOf(err) == gateway.KindNotFound:
		if multi {
			if err := e.mkdirRemote(ctx, gateway.Normalize(dest)); err != nil {
				return "", err
			}
			return gateway.Join(dest, filepath.Base(src)), nil
		}
		return gateway.Normalize(dest), nil
	default:
		return "", err
	}
}

// uploadFiles moves items one call per file, directories first so
// parents exist before their contents, then files under the configured
// parallelism.
func (e *Engine) uploadFiles(ctx context.Context, items []TransferItem, req TransferRequest, cap gateway.Capability, result *BatchResult) {
	var files []TransferItem
	for _, it := range items {
		if !it.IsDir {
			files = append(files, it)
			continue
		}
		if err := e.mkdirRemote(ctx, it.DestPath); err != nil {
			result.fail(it.SourcePath, it.DestPath, err)
		}
	}

	type outcome struct {
		res ItemResult
		err error
	}
	outcomes := make([]outcome, len(files))
	tasks := make([]func(context.Context) error, len(files))
	for i, it := range files {
		i, it := i, it
		tasks[i] = func(ctx context.Context) error {
			res, err := e.uploadFile(ctx, it, req, cap)
			outcomes[i] = outcome{res: res, err: err}
			return err
		}
	}
	runTasks(ctx, e.cfg.Parallelism, tasks)

	for i, it := range files {
		if outcomes[i].err != nil {
			result.fail(it.SourcePath, it.DestPath, outcomes[i].err)
			metrics.RecordTransfer("upload", outcomes[i].res.Strategy.String(), "failed")
			continue
		}
		result.complete(outcomes[i].res)
		if !outcomes[i].res.Skipped {
			metrics.RecordTransfer("upload", outcomes[i].res.Strategy.String(), "ok")
			metrics.RecordBytes("upload", outcomes[i].res.Bytes)
		}
	}
}

// uploadFile moves one file, verifies it, and re-sends it exactly once
// on a checksum mismatch. A destination left behind by a failed upload
// is not removed; re-running the batch overwrites it.
func (e *Engine) uploadFile(ctx context.Context, it TransferItem, req TransferRequest, cap gateway.Capability) (ItemResult, error) {
	strategy := fileStrategy(it.Size, cap)
	res := ItemResult{Source: it.SourcePath, Dest: it.DestPath, Strategy: strategy}

	skip, err := e.checkRemoteOverwrite(ctx, it.DestPath, req.Overwrite)
	if err != nil {
		return res, err
	}
	if skip {
		res.Skipped = true
		return res, nil
	}

	send := func() (string, int64, error) {
		if strategy == StrategyDirect {
			data, err := os.ReadFile(it.SourcePath)
			if err != nil {
				return "", 0, gateway.NewError(gateway.KindPermanent, it.SourcePath, err)
			}
			err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
				return e.client.UploadDirect(ctx, it.DestPath, data)
			})
			return ChecksumData(data), int64(len(data)), err
		}
		var sum string
		err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
			f, err := os.Open(it.SourcePath)
			if err != nil {
				return gateway.NewError(gateway.KindPermanent, it.SourcePath, err)
			}
			defer f.Close()
			cr := NewChecksumReader(f)
			if err := e.client.UploadStream(ctx, it.DestPath, cr, it.Size); err != nil {
				return err
			}
			sum = cr.Sum()
			return nil
		})
		return sum, it.Size, err
	}

	localSum, n, err := send()
	if err != nil {
		return res, err
	}
	res.Bytes = n

	if !req.SkipVerify {
		ok, err := e.verifyRemote(ctx, it.DestPath, localSum)
		if err != nil {
			return res, err
		}
		if !ok {
			metrics.RecordChecksumMismatch()
			e.log.Warn("checksum mismatch, re-sending once",
				zap.String("source", it.SourcePath),
				zap.String("dest", it.DestPath),
			)
			if localSum, _, err = send(); err != nil {
				return res, err
			}
			ok, err = e.verifyRemote(ctx, it.DestPath, localSum)
			if err != nil {
				return res, err
			}
			if !ok {
				return res, gateway.NewError(gateway.KindChecksumMismatch, it.DestPath, nil)
			}
		}
	}

	if it.Mode != 0 {
		if err := e.chmodRemote(ctx, it.DestPath, fs.FileMode(it.Mode)); err != nil {
			e.log.Warn("failed to preserve mode", zap.String("dest", it.DestPath), zap.Error(err))
		}
	}
	return res, nil
}

func (e *Engine) verifyRemote(ctx context.Context, remotePath, localSum string) (bool, error) {
	remoteSum, err := retry.DoWithResult(ctx, e.cfg.RetryPolicy, func() (string, error) {
		return e.client.Checksum(ctx, remotePath)
	})
	if err != nil {
		return false, err
	}
	return remoteSum == localSum, nil
}

// checkRemoteOverwrite applies the overwrite policy against a remote
// destination. It reports skip=true under OverwriteSkip when the
// destination exists.
// Metadata round trips run under the same retry policy as the
// byte-moving calls; a transient gateway fault on a stat or mkdir must
// not sink an otherwise healthy item.

func (e *Engine) statRemote(ctx context.Context, path string) (gateway.FileDescriptor, error) {
	return retry.DoWithResult(ctx, e.cfg.RetryPolicy, func() (gateway.FileDescriptor, error) {
		return e.client.Stat(ctx, path)
	})
}

func (e *Engine) listRemote(ctx context.Context, path string, recursive bool) ([]gateway.FileDescriptor, error) {
	return retry.DoWithResult(ctx, e.cfg.RetryPolicy, func() ([]gateway.FileDescriptor, error) {
		return e.client.List(ctx, path, recursive)
	})
}

// mkdirRemote creates a directory with parents; an already existing
// directory is not an error.
func (e *Engine) mkdirRemote(ctx context.Context, path string) error {
	err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Mkdir(ctx, path, true)
	})
	if err != nil && gateway.KindOf(err) == gateway.KindExists {
		return nil
	}
	return err
}

func (e *Engine) chmodRemote(ctx context.Context, path string, mode fs.FileMode) error {
	return retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Chmod(ctx, path, mode)
	})
}

func (e *Engine) checkRemoteOverwrite(ctx context.Context, dest string, policy OverwritePolicy) (bool, error) {
	_, err := e.statRemote(ctx, dest)
	if err != nil {
		if gateway.KindOf(err) == gateway.KindNotFound {
			return false, nil
		}
		return false, err
	}
	switch policy {
	case OverwriteSkip:
		return true, nil
	case OverwriteReplace:
		return false, nil
	default:
		return false, gateway.NewError(gateway.KindExists, dest, nil)
	}
}

// uploadArchive stages a whole tree through one tar archive: pack
// locally, move the archive, extract remotely, then remove the remote
// archive. On cancellation the remote archive is removed on a
// background context so scratch space is not leaked.
func (e *Engine) uploadArchive(ctx context.Context, srcTree, destTree string, req TransferRequest, cap gateway.Capability) error {
	tmp, err := os.CreateTemp("", "ferry-*.tar")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	cw := NewChecksumWriter(tmp)
	if err := packLocalTree(cw, srcTree, req.Dereference, e.bufs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to pack %s: %w", srcTree, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	localSum, archiveBytes := cw.Sum(), cw.BytesWritten()

	remoteArchive := remoteTempArchive(e.cfg.TempDir)
	defer e.removeRemoteTemp(ctx, remoteArchive)

	if archiveBytes <= cap.MaxDirectBytes || cap.MaxDirectBytes == 0 {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
			return e.client.UploadDirect(ctx, remoteArchive, data)
		})
		if err != nil {
			return err
		}
	} else {
		err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
			f, err := os.Open(tmpPath)
			if err != nil {
				return err
			}
			defer f.Close()
			return e.client.UploadStream(ctx, remoteArchive, f, archiveBytes)
		})
		if err != nil {
			return err
		}
	}

	if !req.SkipVerify {
		ok, err := e.verifyRemote(ctx, remoteArchive, localSum)
		if err != nil {
			return err
		}
		if !ok {
			metrics.RecordChecksumMismatch()
			return gateway.NewError(gateway.KindChecksumMismatch, remoteArchive, nil)
		}
	}

	err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Extract(ctx, remoteArchive, destTree)
	})
	if err != nil {
		return gateway.NewError(gateway.KindRemoteArchive, destTree, err)
	}
	return nil
}

// removeRemoteTemp removes a staged archive. When the transfer context
// is already cancelled the removal runs on a short background context,
// best effort.
func (e *Engine) removeRemoteTemp(ctx context.Context, p string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if err := e.client.Remove(ctx, p, false); err != nil && gateway.KindOf(err) != gateway.KindNotFound {
		e.log.Warn("failed to remove staged archive", zap.String("path", p), zap.Error(err))
	}
}

// Get downloads the request's sources from the remote system. Source
// arguments resolve against the remote filesystem; glob patterns expand
// against a one-shot listing before any transfer starts. The returned
// error is non-nil exactly when the result records a failed item.
func (e *Engine) Get(ctx context.Context, req TransferRequest) (*BatchResult, error) {
	start := time.Now()
	cap, err := e.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, pair := range req.Pairs {
		sources, err := e.expandRemote(ctx, pair.Source)
		if err != nil {
			result.fail(pair.Source, pair.Dest, err)
			continue
		}
		multi := len(sources) > 1
		for _, src := range sources {
			e.getOne(ctx, src, pair.Dest, multi, req, cap, result)
		}
	}
	metrics.ObserveOperation("download", time.Since(start).Seconds())
	return result, result.Err()
}

// expandRemote resolves one remote source argument. Glob patterns match
// against a single listing of the pattern's parent directory.
func (e *Engine) expandRemote(ctx context.Context, pattern string) ([]gateway.FileDescriptor, error) {
	pattern = gateway.Normalize(pattern)
	base := path.Base(pattern)
	if !containsGlobMeta(base) {
		fd, err := e.statRemote(ctx, pattern)
		if err != nil {
			return nil, err
		}
		return []gateway.FileDescriptor{fd}, nil
	}
	entries, err := e.listRemote(ctx, path.Dir(pattern), false)
	if err != nil {
		return nil, err
	}
	var out []gateway.FileDescriptor
	for _, fd := range entries {
		ok, err := path.Match(base, fd.Name())
		if err != nil {
			return nil, gateway.NewError(gateway.KindPermanent, pattern, err)
		}
		if ok {
			out = append(out, fd)
		}
	}
	if len(out) == 0 {
		return nil, gateway.NewError(gateway.KindNotFound, pattern, fmt.Errorf("no matches"))
	}
	return out, nil
}

func containsGlobMeta(s string) bool {
	for _, c := range s {
		if c == '*' || c == '?' || c == '[' {
			return true
		}
	}
	return false
}

func (e *Engine) getOne(ctx context.Context, src gateway.FileDescriptor, dest string, multi bool, req TransferRequest, cap gateway.Capability, result *BatchResult) {
	destPath := dest
	if info, err := os.Stat(dest); (err == nil && info.IsDir()) || multi {
		destPath = filepath.Join(dest, src.Name())
	}

	if !src.IsDir {
		e.downloadFile(ctx, src, destPath, req, cap, result)
		return
	}

	if !req.Recursive {
		result.fail(src.Path, dest, gateway.NewError(gateway.KindPermanent, src.Path, fmt.Errorf("is a directory and the request is not recursive")))
		return
	}

	entries, err := e.listRemote(ctx, src.Path, true)
	if err != nil {
		result.fail(src.Path, destPath, err)
		return
	}
	items := make([]TransferItem, 0, len(entries))
	prefix := src.Path + "/"
	for _, fd := range entries {
		rel := fd.Path[len(prefix):]
		items = append(items, TransferItem{
			SourcePath: fd.Path,
			DestPath:   filepath.Join(destPath, filepath.FromSlash(rel)),
			Size:       fd.Size,
			Mode:       uint32(fd.Mode.Perm()),
			IsDir:      fd.IsDir,
		})
	}

	plan := Plan(items, cap, e.cfg.Costs)
	if req.ForceArchive && plan.FileCount > 0 {
		plan.Strategy = StrategyArchive
	}
	e.log.Debug("download planned",
		zap.String("source", src.Path),
		zap.String("dest", destPath),
		zap.Stringer("strategy", plan.Strategy),
		zap.Int("files", plan.FileCount),
		zap.Int64("bytes", plan.TotalBytes),
	)

	if plan.Strategy == StrategyArchive {
		if err := e.downloadArchive(ctx, src.Path, destPath, req, cap); err != nil {
			result.fail(src.Path, destPath, err)
			metrics.RecordTransfer("download", "archive", "failed")
			return
		}
		result.complete(ItemResult{Source: src.Path, Dest: destPath, Bytes: plan.TotalBytes, Strategy: StrategyArchive})
		metrics.RecordTransfer("download", "archive", "ok")
		metrics.RecordBytes("download", plan.TotalBytes)
		return
	}

	if err := os.MkdirAll(destPath, 0o755); err != nil {
		result.fail(src.Path, destPath, err)
		return
	}
	e.downloadFiles(ctx, items, req, cap, result)
}

func (e *Engine) downloadFiles(ctx context.Context, items []TransferItem, req TransferRequest, cap gateway.Capability, result *BatchResult) {
	var files []TransferItem
	for _, it := range items {
		if it.IsDir {
			if err := os.MkdirAll(it.DestPath, 0o755); err != nil {
				result.fail(it.SourcePath, it.DestPath, err)
			}
			continue
		}
		files = append(files, it)
	}

	type outcome struct {
		res ItemResult
		err error
	}
	outcomes := make([]outcome, len(files))
	tasks := make([]func(context.Context) error, len(files))
	for i, it := range files {
		i, it := i, it
		tasks[i] = func(ctx context.Context) error {
			res, err := e.downloadOne(ctx, it, req, cap)
			outcomes[i] = outcome{res: res, err: err}
			return err
		}
	}
	runTasks(ctx, e.cfg.Parallelism, tasks)

	for i, it := range files {
		if outcomes[i].err != nil {
			result.fail(it.SourcePath, it.DestPath, outcomes[i].err)
			metrics.RecordTransfer("download", outcomes[i].res.Strategy.String(), "failed")
			continue
		}
		result.complete(outcomes[i].res)
		if !outcomes[i].res.Skipped {
			metrics.RecordTransfer("download", outcomes[i].res.Strategy.String(), "ok")
			metrics.RecordBytes("download", outcomes[i].res.Bytes)
		}
	}
}

func (e *Engine) downloadFile(ctx context.Context, src gateway.FileDescriptor, destPath string, req TransferRequest, cap gateway.Capability, result *BatchResult) {
	it := TransferItem{
		SourcePath: src.Path,
		DestPath:   destPath,
		Size:       src.Size,
		Mode:       uint32(src.Mode.Perm()),
	}
	res, err := e.downloadOne(ctx, it, req, cap)
	if err != nil {
		result.fail(it.SourcePath, it.DestPath, err)
		metrics.RecordTransfer("download", res.Strategy.String(), "failed")
		return
	}
	result.complete(res)
	if !res.Skipped {
		metrics.RecordTransfer("download", res.Strategy.String(), "ok")
		metrics.RecordBytes("download", res.Bytes)
	}
}

// downloadOne fetches one file, verifies it, and re-fetches it exactly
// once on a checksum mismatch.
func (e *Engine) downloadOne(ctx context.Context, it TransferItem, req TransferRequest, cap gateway.Capability) (ItemResult, error) {
	strategy := fileStrategy(it.Size, cap)
	res := ItemResult{Source: it.SourcePath, Dest: it.DestPath, Strategy: strategy}

	if _, err := os.Lstat(it.DestPath); err == nil {
		switch req.Overwrite {
		case OverwriteSkip:
			res.Skipped = true
			return res, nil
		case OverwriteReplace:
		default:
			return res, gateway.NewError(gateway.KindExists, it.DestPath, nil)
		}
	}

	fetch := func() (string, int64, error) {
		if strategy == StrategyDirect {
			data, err := retry.DoWithResult(ctx, e.cfg.RetryPolicy, func() ([]byte, error) {
				return e.client.DownloadDirect(ctx, it.SourcePath)
			})
			if err != nil {
				return "", 0, err
			}
			if err := os.MkdirAll(filepath.Dir(it.DestPath), 0o755); err != nil {
				return "", 0, err
			}
			if err := os.WriteFile(it.DestPath, data, fileModeOr(it.Mode, 0o644)); err != nil {
				return "", 0, err
			}
			return ChecksumData(data), int64(len(data)), nil
		}
		var sum string
		var n int64
		err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
			rc, err := e.client.DownloadStream(ctx, it.SourcePath)
			if err != nil {
				return err
			}
			defer rc.Close()
			if err := os.MkdirAll(filepath.Dir(it.DestPath), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(it.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileModeOr(it.Mode, 0o644))
			if err != nil {
				return err
			}
			cw := NewChecksumWriter(f)
			buf := e.bufs.Get()
			_, err = io.CopyBuffer(cw, rc, *buf)
			e.bufs.Put(buf)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return gateway.NewError(gateway.KindTransient, it.SourcePath, err)
			}
			sum, n = cw.Sum(), cw.BytesWritten()
			return nil
		})
		return sum, n, err
	}

	localSum, n, err := fetch()
	if err != nil {
		return res, err
	}
	res.Bytes = n

	if !req.SkipVerify {
		ok, err := e.verifyRemote(ctx, it.SourcePath, localSum)
		if err != nil {
			return res, err
		}
		if !ok {
			metrics.RecordChecksumMismatch()
			e.log.Warn("checksum mismatch, re-fetching once",
				zap.String("source", it.SourcePath),
				zap.String("dest", it.DestPath),
			)
			if localSum, _, err = fetch(); err != nil {
				return res, err
			}
			ok, err = e.verifyRemote(ctx, it.SourcePath, localSum)
			if err != nil {
				return res, err
			}
			if !ok {
				return res, gateway.NewError(gateway.KindChecksumMismatch, it.SourcePath, nil)
			}
		}
	}
	return res, nil
}

func fileModeOr(mode uint32, fallback fs.FileMode) fs.FileMode {
	if mode == 0 {
		return fallback
	}
	return fs.FileMode(mode)
}

// downloadArchive stages a whole remote tree through one tar archive:
// the remote packs, the archive moves down, and the tree unpacks
// locally. The remote archive is always removed, even on failure. A
// failed unpack removes the partial local tree.
func (e *Engine) downloadArchive(ctx context.Context, srcTree, destTree string, req TransferRequest, cap gateway.Capability) error {
	remoteArchive := remoteTempArchive(e.cfg.TempDir)
	err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Archive(ctx, srcTree, remoteArchive, req.Dereference)
	})
	if err != nil {
		return gateway.NewError(gateway.KindRemoteArchive, srcTree, err)
	}
	defer e.removeRemoteTemp(ctx, remoteArchive)

	fd, err := e.statRemote(ctx, remoteArchive)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "ferry-*.tar")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	localSum := ""
	if cap.MaxDirectBytes == 0 || fd.Size <= cap.MaxDirectBytes {
		data, err := retry.DoWithResult(ctx, e.cfg.RetryPolicy, func() ([]byte, error) {
			return e.client.DownloadDirect(ctx, remoteArchive)
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
			return err
		}
		localSum = ChecksumData(data)
	} else {
		err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
			rc, err := e.client.DownloadStream(ctx, remoteArchive)
			if err != nil {
				return err
			}
			defer rc.Close()
			f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			cw := NewChecksumWriter(f)
			buf := e.bufs.Get()
			_, err = io.CopyBuffer(cw, rc, *buf)
			e.bufs.Put(buf)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return gateway.NewError(gateway.KindTransient, remoteArchive, err)
			}
			localSum = cw.Sum()
			return nil
		})
		if err != nil {
			return err
		}
	}

	if !req.SkipVerify {
		ok, err := e.verifyRemote(ctx, remoteArchive, localSum)
		if err != nil {
			return err
		}
		if !ok {
			metrics.RecordChecksumMismatch()
			return gateway.NewError(gateway.KindChecksumMismatch, remoteArchive, nil)
		}
	}

	if err := os.MkdirAll(destTree, 0o755); err != nil {
		return err
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unpackLocalTree(f, destTree, e.bufs); err != nil {
		// unpackLocalTree has already removed whatever it wrote;
		// pre-existing destination content is untouched.
		return gateway.NewError(gateway.KindRemoteArchive, destTree, err)
	}
	return nil
}

// Copy replicates sources to destinations entirely on the remote side;
// file contents never travel through this process. When the gateway's
// native copy is unavailable the tree is staged through a remote
// archive instead. The returned error is non-nil exactly when the
// result records a failed item.
func (e *Engine) Copy(ctx context.Context, req TransferRequest) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}
	for _, pair := range req.Pairs {
		sources, err := e.expandRemote(ctx, pair.Source)
		if err != nil {
			result.fail(pair.Source, pair.Dest, err)
			continue
		}
		multi := len(sources) > 1
		for _, src := range sources {
			e.copyOne(ctx, src, pair.Dest, multi, req, result)
		}
	}
	metrics.ObserveOperation("copy", time.Since(start).Seconds())
	return result, result.Err()
}

func (e *Engine) copyOne(ctx context.Context, src gateway.FileDescriptor, dest string, multi bool, req TransferRequest, result *BatchResult) {
	if src.IsDir && !req.Recursive {
		result.fail(src.Path, dest, gateway.NewError(gateway.KindPermanent, src.Path, fmt.Errorf("is a directory and the request is not recursive")))
		return
	}

	destPath := gateway.Normalize(dest)
	if fd, err := e.statRemote(ctx, destPath); (err == nil && fd.IsDir) || multi {
		destPath = gateway.Join(destPath, src.Name())
	}

	skip, err := e.checkRemoteOverwrite(ctx, destPath, req.Overwrite)
	if err != nil {
		result.fail(src.Path, destPath, err)
		return
	}
	if skip {
		result.complete(ItemResult{Source: src.Path, Dest: destPath, Skipped: true})
		return
	}

	if src.IsDir {
		if size, szErr := e.remoteTreeSize(ctx, src.Path); szErr == nil && size > e.cfg.CopyArchiveThreshold {
			e.log.Info("tree exceeds copy threshold, staging through remote archive",
				zap.String("source", src.Path),
				zap.Int64("bytes", size),
			)
			if err := e.copyViaArchive(ctx, src.Path, destPath, req); err != nil {
				result.fail(src.Path, destPath, err)
				metrics.RecordTransfer("copy", "remote", "failed")
				return
			}
			result.complete(ItemResult{Source: src.Path, Dest: destPath, Bytes: size, Strategy: StrategyArchive})
			metrics.RecordTransfer("copy", "remote", "ok")
			return
		}
	}

	err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.RemoteCopy(ctx, src.Path, destPath)
	})
	if err != nil && src.IsDir && gateway.KindOf(err) != gateway.KindNotFound && gateway.KindOf(err) != gateway.KindPermissionDenied {
		e.log.Info("native copy unavailable, staging through remote archive",
			zap.String("source", src.Path),
			zap.String("dest", destPath),
			zap.Error(err),
		)
		err = e.copyViaArchive(ctx, src.Path, destPath, req)
	}
	if err != nil {
		result.fail(src.Path, destPath, err)
		metrics.RecordTransfer("copy", "remote", "failed")
		return
	}
	result.complete(ItemResult{Source: src.Path, Dest: destPath, Bytes: src.Size, Strategy: StrategyDirect})
	metrics.RecordTransfer("copy", "remote", "ok")
}

// remoteTreeSize sums the regular-file bytes under a remote tree.
func (e *Engine) remoteTreeSize(ctx context.Context, tree string) (int64, error) {
	entries, err := e.listRemote(ctx, tree, true)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, fd := range entries {
		if !fd.IsDir {
			total += fd.Size
		}
	}
	return total, nil
}

// copyViaArchive replicates a tree with a remote pack and unpack; the
// bytes stay on the remote system.
func (e *Engine) copyViaArchive(ctx context.Context, srcTree, destTree string, req TransferRequest) error {
	remoteArchive := remoteTempArchive(e.cfg.TempDir)
	err := retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Archive(ctx, srcTree, remoteArchive, req.Dereference)
	})
	if err != nil {
		return gateway.NewError(gateway.KindRemoteArchive, srcTree, err)
	}
	defer e.removeRemoteTemp(ctx, remoteArchive)

	if err := e.mkdirRemote(ctx, destTree); err != nil {
		return err
	}
	err = retry.Do(ctx, e.cfg.RetryPolicy, func() error {
		return e.client.Extract(ctx, remoteArchive, destTree)
	})
	if err != nil {
		return gateway.NewError(gateway.KindRemoteArchive, destTree, err)
	}
	return nil
}
