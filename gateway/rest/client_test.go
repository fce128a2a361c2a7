package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hpcforge/ferry/gateway"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Machine: "cluster"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, srv
}

func TestClient_Stat(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/utilities/stat" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Machine-Name"); got != "cluster" {
			t.Errorf("Expected machine header, got %q", got)
		}
		if got := r.URL.Query().Get("targetPath"); got != "/home/user/f.txt" {
			t.Errorf("Unexpected targetPath %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "f.txt",
			"type":        "-",
			"size":        42,
			"permissions": "644",
		})
	}))

	fd, err := c.Stat(context.Background(), "/home/user/f.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if fd.Path != "/home/user/f.txt" || fd.Size != 42 || fd.IsDir {
		t.Errorf("Unexpected descriptor: %+v", fd)
	}
	if fd.Mode.Perm() != 0o644 {
		t.Errorf("Expected mode 644, got %o", fd.Mode.Perm())
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   gateway.Kind
	}{
		{http.StatusNotFound, gateway.KindNotFound},
		{http.StatusForbidden, gateway.KindPermissionDenied},
		{http.StatusConflict, gateway.KindExists},
		{http.StatusTooManyRequests, gateway.KindTransient},
		{http.StatusServiceUnavailable, gateway.KindTransient},
		{http.StatusBadRequest, gateway.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.Stat(context.Background(), "/x")
			if gateway.KindOf(err) != tt.want {
				t.Errorf("Status %d: expected kind %v, got %v (%v)", tt.status, tt.want, gateway.KindOf(err), err)
			}
		})
	}
}

func TestClient_UploadDownloadDirect(t *testing.T) {
	stored := map[string][]byte{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/utilities/upload":
			data, _ := io.ReadAll(r.Body)
			stored[r.URL.Query().Get("targetPath")] = data
			w.WriteHeader(http.StatusCreated)
		case "/utilities/download":
			data, ok := stored[r.URL.Query().Get("sourcePath")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	}))

	content := []byte("round trip")
	if err := c.UploadDirect(context.Background(), "/data/f.bin", content); err != nil {
		t.Fatalf("UploadDirect failed: %v", err)
	}
	got, err := c.DownloadDirect(context.Background(), "/data/f.bin")
	if err != nil {
		t.Fatalf("DownloadDirect failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Expected %q, got %q", content, got)
	}
	if _, err := c.DownloadDirect(context.Background(), "/data/missing"); gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("Expected not-found for a missing file, got %v", err)
	}
}

func TestClient_SignedURLStaging(t *testing.T) {
	var staged []byte
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/storage/xfer-upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/signed/put"})
	})
	mux.HandleFunc("/signed/put", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT against the signed URL, got %s", r.Method)
		}
		staged, _ = io.ReadAll(r.Body)
	})
	mux.HandleFunc("/storage/xfer-download", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/signed/get"})
	})
	mux.HandleFunc("/signed/get", func(w http.ResponseWriter, r *http.Request) {
		w.Write(staged)
	})

	c, err := NewClient(Config{BaseURL: srv.URL, Machine: "cluster"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	content := "large payload"
	if err := c.UploadStream(context.Background(), "/data/big.bin", strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("UploadStream failed: %v", err)
	}
	if string(staged) != content {
		t.Errorf("Expected %q staged, got %q", content, staged)
	}

	rc, err := c.DownloadStream(context.Background(), "/data/big.bin")
	if err != nil {
		t.Fatalf("DownloadStream failed: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != content {
		t.Errorf("Expected %q, got %q", content, got)
	}
}

func TestClient_ListJobs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("pageNumber"); got != "2" {
			t.Errorf("Expected pageNumber=2, got %q", got)
		}
		if got := r.URL.Query().Get("user"); got != "alice" {
			t.Errorf("Expected user=alice, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]any{
				{"jobid": 1234, "state": "RUNNING", "name": "relax", "nodelist": "nid0001"},
			},
			"more": true,
		})
	}))

	jobs, more, err := c.ListJobs(context.Background(), gateway.JobQuery{User: "alice"}, 2)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if !more {
		t.Error("Expected more pages")
	}
	if len(jobs) != 1 || jobs[0].ID != "1234" || jobs[0].State != "RUNNING" {
		t.Errorf("Unexpected jobs: %+v", jobs)
	}
}

func TestClient_SubmitAndCancel(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/compute/jobs":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["scriptPath"] != "/run/job.sh" {
				t.Errorf("Unexpected script path %q", body["scriptPath"])
			}
			json.NewEncoder(w).Encode(map[string]any{"jobid": 777})
		case r.Method == http.MethodDelete && r.URL.Path == "/compute/jobs/777":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	id, err := c.SubmitJob(context.Background(), "/run/job.sh")
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if id != "777" {
		t.Errorf("Expected job id 777, got %q", id)
	}
	if err := c.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Machine: "cluster"}); err == nil {
		t.Error("Expected an error without a base URL")
	}
	if _, err := NewClient(Config{BaseURL: "https://api"}); err == nil {
		t.Error("Expected an error without a machine name")
	}
}
