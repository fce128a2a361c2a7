package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChecksumWriter(t *testing.T) {
	data := []byte("hello world")

	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	n, err := cw.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Expected to write %d bytes, got %d", len(data), n)
	}
	if buf.String() != string(data) {
		t.Errorf("Expected buffer to contain %q, got %q", data, buf.String())
	}

	want := sha256.Sum256(data)
	if cw.Sum() != hex.EncodeToString(want[:]) {
		t.Errorf("Expected digest %x, got %s", want, cw.Sum())
	}
	if cw.BytesWritten() != int64(len(data)) {
		t.Errorf("Expected %d bytes written, got %d", len(data), cw.BytesWritten())
	}
}

func TestChecksumReader(t *testing.T) {
	data := []byte("hello world")

	cr := NewChecksumReader(bytes.NewReader(data))
	readData, err := io.ReadAll(cr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(readData, data) {
		t.Errorf("Expected read data to match %q, got %q", data, readData)
	}

	if cr.Sum() != ChecksumData(data) {
		t.Errorf("Expected digest %s, got %s", ChecksumData(data), cr.Sum())
	}
	if cr.BytesRead() != int64(len(data)) {
		t.Errorf("Expected %d bytes read, got %d", len(data), cr.BytesRead())
	}
}

func TestChecksumConsistency(t *testing.T) {
	data := []byte("test data for checksum consistency")

	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)
	if _, err := cw.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cr := NewChecksumReader(bytes.NewReader(data))
	if _, err := io.ReadAll(cr); err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if cw.Sum() != cr.Sum() {
		t.Errorf("Digest mismatch: write=%s, read=%s", cw.Sum(), cr.Sum())
	}
}

func TestChecksumWriterMultipleWrites(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	parts := []string{"hello", " ", "world", "!"}
	expected := strings.Join(parts, "")

	for _, part := range parts {
		if _, err := cw.Write([]byte(part)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if buf.String() != expected {
		t.Errorf("Expected %q, got %q", expected, buf.String())
	}
	if cw.Sum() != ChecksumData([]byte(expected)) {
		t.Errorf("Expected digest of the concatenation, got %s", cw.Sum())
	}
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	data := []byte("on-disk contents")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sum, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile failed: %v", err)
	}
	if sum != ChecksumData(data) {
		t.Errorf("Expected %s, got %s", ChecksumData(data), sum)
	}

	if _, err := ChecksumFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
