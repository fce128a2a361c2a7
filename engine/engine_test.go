package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpcforge/ferry/engine"
	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/gateway/gatewaytest"
)

func newEngine(fake *gatewaytest.Fake) *engine.Engine {
	return engine.New(fake, engine.Config{TempDir: "/scratch/tmp"})
}

func writeLocalTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
}

func noStagedArchives(t *testing.T, fake *gatewaytest.Fake) {
	t.Helper()
	for _, p := range fake.Paths() {
		if strings.Contains(p, "ferry-") && strings.HasSuffix(p, ".tar") {
			t.Errorf("Staged archive left behind: %s", p)
		}
	}
}

func TestPut_SingleFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "input.dat")
	content := []byte("payload bytes")
	if err := os.WriteFile(local, content, 0o640); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: local, Dest: "/data/input.dat"}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}

	got, ok := fake.FileData("/data/input.dat")
	if !ok {
		t.Fatal("Destination file missing")
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Round trip mismatch: %q vs %q", got, content)
	}
	if fake.Calls("Checksum") == 0 {
		t.Error("Expected the upload to be verified by checksum")
	}
}

func TestPut_FileLandsInExistingDirectory(t *testing.T) {
	local := filepath.Join(t.TempDir(), "report.txt")
	os.WriteFile(local, []byte("x"), 0o644)

	fake := gatewaytest.New()
	fake.PutDir("/home/user")
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: local, Dest: "/home/user"}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}
	if !fake.Exists("/home/user/report.txt") {
		t.Error("Expected the file under the existing directory by base name")
	}
}

func TestPut_TreePerFile(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "beta",
	}
	writeLocalTree(t, root, files)

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: root, Dest: "/data/tree"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}

	// Two small files stay below the archive threshold.
	if fake.Calls("Extract") != 0 {
		t.Error("Expected a per-file upload, not an archive")
	}
	for rel, want := range files {
		got, ok := fake.FileData("/data/tree/" + rel)
		if !ok || string(got) != want {
			t.Errorf("File %s: expected %q, got %q (present %v)", rel, want, got, ok)
		}
	}
}

func TestPut_TreeArchives(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("f%02d.txt", i)] = fmt.Sprintf("content-%d", i)
	}
	files["nested/deep.txt"] = "deep"
	writeLocalTree(t, root, files)

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: root, Dest: "/data/tree"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}

	if fake.Calls("Extract") != 1 {
		t.Errorf("Expected one remote extraction, got %d", fake.Calls("Extract"))
	}
	if n := fake.Calls("UploadDirect") + fake.Calls("UploadStream"); n != 1 {
		t.Errorf("Expected a single archive upload, got %d calls", n)
	}
	for rel, want := range files {
		got, ok := fake.FileData("/data/tree/" + rel)
		if !ok || string(got) != want {
			t.Errorf("File %s: expected %q, got %q (present %v)", rel, want, got, ok)
		}
	}
	noStagedArchives(t, fake)
}

func TestPut_ForceArchive(t *testing.T) {
	root := t.TempDir()
	writeLocalTree(t, root, map[string]string{"only.txt": "one file"})

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs:        []engine.SourcePair{{Source: root, Dest: "/data/tree"}},
		Recursive:    true,
		ForceArchive: true,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}
	if fake.Calls("Extract") != 1 {
		t.Error("Expected the forced archive path")
	}
	noStagedArchives(t, fake)
}

func TestPut_NonRecursiveDirectoryFails(t *testing.T) {
	root := t.TempDir()
	writeLocalTree(t, root, map[string]string{"a.txt": "x"})

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: root, Dest: "/data/tree"}},
	})
	if err == nil {
		t.Fatal("Expected the batch failure to surface as an error")
	}
	if len(res.Failed) != 1 {
		t.Fatalf("Expected one failure, got %+v", res)
	}
}

func TestPut_OverwritePolicies(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(local, []byte("new"), 0o644)

	t.Run("fail", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.PutFile("/data/f.txt", []byte("old"), 0o644)
		eng := newEngine(fake)

		res, err := eng.Put(context.Background(), engine.TransferRequest{
			Pairs: []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
		})
		if err == nil {
			t.Fatal("Expected the batch failure to surface as an error")
		}
		if len(res.Failed) != 1 || gateway.KindOf(res.Failed[0].Err) != gateway.KindExists {
			t.Fatalf("Expected an exists failure, got %+v", res)
		}
	})

	t.Run("skip", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.PutFile("/data/f.txt", []byte("old"), 0o644)
		eng := newEngine(fake)

		res, err := eng.Put(context.Background(), engine.TransferRequest{
			Pairs:     []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
			Overwrite: engine.OverwriteSkip,
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !res.OK() || len(res.Completed) != 1 || !res.Completed[0].Skipped {
			t.Fatalf("Expected one skipped completion, got %+v", res)
		}
		if got, _ := fake.FileData("/data/f.txt"); string(got) != "old" {
			t.Errorf("Skip must leave the destination untouched, got %q", got)
		}
	})

	t.Run("replace", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.PutFile("/data/f.txt", []byte("old"), 0o644)
		eng := newEngine(fake)

		res, err := eng.Put(context.Background(), engine.TransferRequest{
			Pairs:     []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
			Overwrite: engine.OverwriteReplace,
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !res.OK() {
			t.Fatalf("Put reported failures: %v", res.Err())
		}
		if got, _ := fake.FileData("/data/f.txt"); string(got) != "new" {
			t.Errorf("Replace must overwrite, got %q", got)
		}
	})
}

func TestPut_ChecksumMismatchRetransfersOnce(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(local, []byte("data"), 0o644)

	fake := gatewaytest.New()
	// The remote keeps reporting a wrong digest for the destination.
	fake.Checksums["/data/f.txt"] = "feedfacefeedface"
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
	})
	if err == nil {
		t.Fatal("Expected the batch failure to surface as an error")
	}
	if len(res.Failed) != 1 {
		t.Fatalf("Expected one failure, got %+v", res)
	}
	if gateway.KindOf(res.Failed[0].Err) != gateway.KindChecksumMismatch {
		t.Errorf("Expected a checksum mismatch, got %v", res.Failed[0].Err)
	}
	if n := fake.Calls("UploadDirect"); n != 2 {
		t.Errorf("Expected exactly one re-transfer (2 uploads), got %d", n)
	}
}

func TestPut_PartialBatch(t *testing.T) {
	local := filepath.Join(t.TempDir(), "ok.txt")
	os.WriteFile(local, []byte("fine"), 0o644)

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{
			{Source: local, Dest: "/data/ok.txt"},
			{Source: filepath.Join(t.TempDir(), "missing.txt"), Dest: "/data/missing.txt"},
		},
	})
	if err == nil {
		t.Fatal("Expected the batch failure to surface as an error")
	}
	if len(res.Completed) != 1 || len(res.Failed) != 1 {
		t.Fatalf("Expected one completion and one failure, got %+v", res)
	}
	if !errors.Is(err, res.Failed[0].Err) {
		t.Errorf("The operation error must wrap the first failure, got %v", err)
	}
	if gateway.KindOf(res.Failed[0].Err) != gateway.KindNotFound {
		t.Errorf("Expected a not-found failure, got %v", res.Failed[0].Err)
	}
	if !fake.Exists("/data/ok.txt") {
		t.Error("The healthy pair must still complete")
	}
}

func TestPut_GlobExpansion(t *testing.T) {
	root := t.TempDir()
	writeLocalTree(t, root, map[string]string{
		"run1.log": "one",
		"run2.log": "two",
		"keep.txt": "no",
	})

	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: filepath.Join(root, "*.log"), Dest: "/data/logs"}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}
	if !fake.Exists("/data/logs/run1.log") || !fake.Exists("/data/logs/run2.log") {
		t.Error("Expected both matches under the destination directory")
	}
	if fake.Exists("/data/logs/keep.txt") {
		t.Error("Non-matching file must not transfer")
	}
}

func TestGet_SingleFile(t *testing.T) {
	fake := gatewaytest.New()
	content := []byte("remote payload")
	fake.PutFile("/data/result.dat", content, 0o644)
	eng := newEngine(fake)

	dest := filepath.Join(t.TempDir(), "result.dat")
	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: "/data/result.dat", Dest: dest}},
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Get reported failures: %v", res.Err())
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Round trip mismatch: %q vs %q", got, content)
	}
}

func TestGet_TreeArchives(t *testing.T) {
	fake := gatewaytest.New()
	want := map[string]string{}
	for i := 0; i < 20; i++ {
		rel := fmt.Sprintf("out%02d.txt", i)
		want[rel] = fmt.Sprintf("result-%d", i)
		fake.PutFile("/data/run/"+rel, []byte(want[rel]), 0o644)
	}
	eng := newEngine(fake)

	dest := filepath.Join(t.TempDir(), "run")
	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: "/data/run", Dest: dest}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Get reported failures: %v", res.Err())
	}

	if fake.Calls("Archive") != 1 {
		t.Errorf("Expected one remote archive pass, got %d", fake.Calls("Archive"))
	}
	for rel, w := range want {
		got, err := os.ReadFile(filepath.Join(dest, rel))
		if err != nil || string(got) != w {
			t.Errorf("File %s: expected %q, got %q (err %v)", rel, w, got, err)
		}
	}
	noStagedArchives(t, fake)
}

func TestGet_TreePerFile(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/run/a.txt", []byte("alpha"), 0o644)
	fake.PutFile("/data/run/sub/b.txt", []byte("beta"), 0o644)
	eng := newEngine(fake)

	dest := filepath.Join(t.TempDir(), "run")
	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: "/data/run", Dest: dest}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Get reported failures: %v", res.Err())
	}
	if fake.Calls("Archive") != 0 {
		t.Error("Two files must not trigger the archive path")
	}
	got, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(got) != "beta" {
		t.Errorf("Expected beta, got %q (err %v)", got, err)
	}
}

func TestGet_RemoteGlob(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/run1.log", []byte("one"), 0o644)
	fake.PutFile("/data/run2.log", []byte("two"), 0o644)
	fake.PutFile("/data/keep.txt", []byte("no"), 0o644)
	eng := newEngine(fake)

	dest := t.TempDir()
	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: "/data/*.log", Dest: dest}},
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Get reported failures: %v", res.Err())
	}
	for _, name := range []string{"run1.log", "run2.log"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("Expected %s downloaded: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "keep.txt")); err == nil {
		t.Error("Non-matching file must not download")
	}
}

func TestGet_MissingSource(t *testing.T) {
	fake := gatewaytest.New()
	eng := newEngine(fake)

	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: "/data/nope.txt", Dest: filepath.Join(t.TempDir(), "x")}},
	})
	if err == nil {
		t.Fatal("Expected the batch failure to surface as an error")
	}
	if len(res.Failed) != 1 || gateway.KindOf(res.Failed[0].Err) != gateway.KindNotFound {
		t.Fatalf("Expected a not-found failure, got %+v", res)
	}
}

func TestCopy_NeverDownloads(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/src/a.txt", []byte("alpha"), 0o644)
	fake.PutFile("/data/src/b.txt", []byte("beta"), 0o644)
	eng := newEngine(fake)

	res, err := eng.Copy(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: "/data/src", Dest: "/data/dst"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Copy reported failures: %v", res.Err())
	}

	if got, _ := fake.FileData("/data/dst/a.txt"); string(got) != "alpha" {
		t.Errorf("Expected copied content, got %q", got)
	}
	if n := fake.Calls("DownloadDirect") + fake.Calls("DownloadStream"); n != 0 {
		t.Errorf("Copy must not move bytes through the client, saw %d downloads", n)
	}
}

func TestCopy_FallsBackToRemoteArchive(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/src/a.txt", []byte("alpha"), 0o644)
	fake.FailNext("RemoteCopy", gateway.NewError(gateway.KindPermanent, "/data/src", fmt.Errorf("copy endpoint disabled")), 1)
	eng := newEngine(fake)

	res, err := eng.Copy(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: "/data/src", Dest: "/data/dst"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Copy reported failures: %v", res.Err())
	}
	if fake.Calls("Archive") != 1 || fake.Calls("Extract") != 1 {
		t.Error("Expected the remote archive fallback")
	}
	if got, _ := fake.FileData("/data/dst/a.txt"); string(got) != "alpha" {
		t.Errorf("Expected copied content, got %q", got)
	}
	if n := fake.Calls("DownloadDirect") + fake.Calls("DownloadStream"); n != 0 {
		t.Errorf("The fallback must stay remote, saw %d downloads", n)
	}
	noStagedArchives(t, fake)
}

func TestCopy_LargeTreeSkipsNativeCopy(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/src/big.bin", []byte("0123456789"), 0o644)
	eng := engine.New(fake, engine.Config{
		TempDir:              "/scratch/tmp",
		CopyArchiveThreshold: 5,
	})

	res, err := eng.Copy(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: "/data/src", Dest: "/data/dst"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Copy reported failures: %v", res.Err())
	}
	if fake.Calls("RemoteCopy") != 0 {
		t.Errorf("Expected the archive path for a tree over the threshold, saw %d native copies", fake.Calls("RemoteCopy"))
	}
	if fake.Calls("Archive") != 1 || fake.Calls("Extract") != 1 {
		t.Error("Expected exactly one remote archive round trip")
	}
	if got, _ := fake.FileData("/data/dst/big.bin"); string(got) != "0123456789" {
		t.Errorf("Expected copied content, got %q", got)
	}
	noStagedArchives(t, fake)
}

func TestPut_TransientErrorsRetried(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(local, []byte("data"), 0o644)

	fake := gatewaytest.New()
	fake.FailNext("UploadDirect", gateway.NewError(gateway.KindTransient, "/data/f.txt", fmt.Errorf("503")), 2)
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}
	if n := fake.Calls("UploadDirect"); n != 3 {
		t.Errorf("Expected 2 failures then success, got %d calls", n)
	}
}

func TestPut_TransientStatRetried(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f.txt")
	os.WriteFile(local, []byte("data"), 0o644)

	fake := gatewaytest.New()
	fake.FailNext("Stat", gateway.NewError(gateway.KindTransient, "/data/f.txt", fmt.Errorf("502")), 1)
	eng := newEngine(fake)

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: local, Dest: "/data/f.txt"}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("A transient stat must not fail the item: %v", res.Err())
	}
	if got, _ := fake.FileData("/data/f.txt"); string(got) != "data" {
		t.Errorf("Expected uploaded content, got %q", got)
	}
}

func TestGet_TransientListRetried(t *testing.T) {
	fake := gatewaytest.New()
	fake.PutFile("/data/logs/run1.log", []byte("one"), 0o644)
	fake.PutFile("/data/logs/run2.log", []byte("two"), 0o644)
	fake.FailNext("List", gateway.NewError(gateway.KindTransient, "/data/logs", fmt.Errorf("503")), 1)
	eng := newEngine(fake)

	dest := t.TempDir()
	res, err := eng.Get(context.Background(), engine.TransferRequest{
		Pairs: []engine.SourcePair{{Source: "/data/logs/*.log", Dest: dest}},
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.OK() || len(res.Completed) != 2 {
		t.Fatalf("A transient listing must not fail the batch: %+v", res)
	}
}

func TestPut_ParallelBatch(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"a.txt": "a", "b.txt": "b"}
	writeLocalTree(t, root, files)

	fake := gatewaytest.New()
	eng := engine.New(fake, engine.Config{Parallelism: 4, TempDir: "/scratch/tmp"})

	res, err := eng.Put(context.Background(), engine.TransferRequest{
		Pairs:     []engine.SourcePair{{Source: root, Dest: "/data/tree"}},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Put reported failures: %v", res.Err())
	}
	for rel, want := range files {
		if got, _ := fake.FileData("/data/tree/" + rel); string(got) != want {
			t.Errorf("File %s: expected %q, got %q", rel, want, got)
		}
	}
}
