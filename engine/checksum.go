package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// ChecksumWriter wraps an io.Writer to compute a SHA-256 digest while
// writing.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

// NewChecksumWriter creates a ChecksumWriter that digests everything
// written through it.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{
		w:    w,
		hash: sha256.New(),
	}
}

// Write writes data to the underlying writer and updates the digest.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded digest of the data written so far.
func (cw *ChecksumWriter) Sum() string {
	return hex.EncodeToString(cw.hash.Sum(nil))
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}

// ChecksumReader wraps an io.Reader to compute a SHA-256 digest while
// reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash
	n    int64
}

// NewChecksumReader creates a ChecksumReader that digests everything
// read through it.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: sha256.New(),
	}
}

// Read reads data from the underlying reader and updates the digest.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex-encoded digest of the data read so far.
func (cr *ChecksumReader) Sum() string {
	return hex.EncodeToString(cr.hash.Sum(nil))
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumData digests a byte slice.
func ChecksumData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile digests a file on the local filesystem.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
