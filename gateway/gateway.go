// Package gateway defines the remote API surface the transfer engine and
// the job-state resolver depend on: a REST gateway in front of an HPC
// cluster that exposes file-system operations (direct bytes for small
// payloads, signed-URL staging for large ones) and a batch scheduler's
// job queue (paginated listings).
//
// The package carries only the abstraction: the Client interface, the
// value types exchanged through it, and the error taxonomy. A concrete
// HTTP implementation lives in gateway/rest; tests use gatewaytest.
package gateway

import (
	"context"
	"io"
	"io/fs"
	"path"
	"time"
)

// FileDescriptor is an immutable snapshot of a remote (or local) file,
// directory, or symlink, as produced by Stat or List. It is never kept
// live; a later call may return a different snapshot for the same path.
type FileDescriptor struct {
	Path       string
	Size       int64
	Mode       fs.FileMode
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
	ModTime    time.Time
}

// Name returns the base name of the descriptor's path.
func (fd FileDescriptor) Name() string {
	return path.Base(fd.Path)
}

// Capability holds the limits negotiated with a remote endpoint by a
// one-time probe. Values are shared read-only once probed.
type Capability struct {
	// MaxDirectBytes is the largest payload the gateway accepts in a
	// single synchronous call. Larger payloads go through the
	// chunked/signed-URL path.
	MaxDirectBytes int64
	APIVersion     string
	ProbedAt       time.Time
}

// JobQuery filters a job listing. A nil/empty query lists the calling
// user's jobs.
type JobQuery struct {
	// IDs restricts the listing to the given job IDs.
	IDs []string
	// User restricts the listing to jobs owned by the given user.
	User string
}

// RawJob is one record of a job listing, exactly as the remote scheduler
// reports it. All time fields are the scheduler's textual encodings;
// normalization happens in the scheduler package, not here.
type RawJob struct {
	ID         string
	State      string
	Name       string
	User       string
	Nodes      string
	NodeList   string
	Partition  string
	SubmitTime string
	StartTime  string
	TimeLeft   string
	TimeUsed   string
}

// Client is the remote API the orchestration layer is built against.
//
// Every call either succeeds or fails with an *Error whose Kind
// distinguishes transient from permanent failures; the engine's retry
// policy relies on that classification. Implementations must honor
// context cancellation on every call.
type Client interface {
	// Probe queries the endpoint for its negotiated limits.
	Probe(ctx context.Context) (Capability, error)

	Stat(ctx context.Context, path string) (FileDescriptor, error)
	List(ctx context.Context, path string, recursive bool) ([]FileDescriptor, error)
	Chmod(ctx context.Context, path string, mode fs.FileMode) error
	Mkdir(ctx context.Context, path string, parents bool) error
	Remove(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, oldPath, newPath string) error

	// UploadDirect and DownloadDirect move a whole payload in one
	// synchronous call. They are only valid for payloads within
	// Capability.MaxDirectBytes.
	UploadDirect(ctx context.Context, path string, data []byte) error
	DownloadDirect(ctx context.Context, path string) ([]byte, error)

	// UploadStream and DownloadStream move payloads of any size through
	// the gateway's staged (signed URL) path.
	UploadStream(ctx context.Context, path string, r io.Reader, size int64) error
	DownloadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// Checksum returns the hex-encoded SHA-256 digest of a remote file,
	// computed server-side.
	Checksum(ctx context.Context, path string) (string, error)

	// RemoteCopy copies src to dst entirely on the remote side.
	RemoteCopy(ctx context.Context, src, dst string) error
	// Archive tars the tree at treePath into archivePath on the remote.
	Archive(ctx context.Context, treePath, archivePath string, dereference bool) error
	// Extract unpacks the remote archive at archivePath into destTree.
	Extract(ctx context.Context, archivePath, destTree string) error

	SubmitJob(ctx context.Context, scriptPath string) (string, error)
	// ListJobs returns one page of job records and whether more pages
	// remain. Pages are zero-indexed.
	ListJobs(ctx context.Context, q JobQuery, page int) (records []RawJob, hasMore bool, err error)
	CancelJob(ctx context.Context, jobID string) error

	Whoami(ctx context.Context) (string, error)
}

// Normalize cleans a remote path: POSIX separators, no trailing slash
// except for the root itself.
func Normalize(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// Join joins remote path elements and normalizes the result.
func Join(elem ...string) string {
	return path.Join(elem...)
}
