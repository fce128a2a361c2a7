// Package rest implements the gateway.Client interface over the HTTP
// API of a FirecREST-style gateway. Bounded payloads move through the
// gateway itself; larger payloads are staged through signed URLs the
// gateway hands out.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpcforge/ferry/gateway"
)

// ensure interface is implemented
var _ gateway.Client = (*Client)(nil)

// Config describes one gateway endpoint.
type Config struct {
	// BaseURL is the root of the gateway API, e.g.
	// https://api.cluster.example.org/firecrest/v1.
	BaseURL string
	// Machine is the target system name sent with every request.
	Machine string
	// HTTPClient carries authentication; see NewAuthClient. Defaults
	// to http.DefaultClient.
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// Client talks to one gateway endpoint for one machine.
type Client struct {
	base    string
	machine string
	http    *http.Client
	agent   string
	log     *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if cfg.Machine == "" {
		return nil, fmt.Errorf("machine name is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "ferry"
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		machine: cfg.Machine,
		http:    hc,
		agent:   agent,
		log:     log,
	}, nil
}

// kindForStatus maps an HTTP status to an error kind. Server-side and
// throttling failures are transient; everything else is final.
func kindForStatus(code int) gateway.Kind {
	switch {
	case code == http.StatusNotFound:
		return gateway.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return gateway.KindPermissionDenied
	case code == http.StatusConflict:
		return gateway.KindExists
	case code == http.StatusTooManyRequests || code >= 500:
		return gateway.KindTransient
	default:
		return gateway.KindPermanent
	}
}

type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Detail)
}

// do issues one API request and decodes the JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, apiPath string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	u := c.base + apiPath
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("X-Machine-Name", c.machine)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.NewError(gateway.KindCancelled, apiPath, ctx.Err())
		}
		return gateway.NewError(gateway.KindTransient, apiPath, err)
	}
	defer resp.Body.Close()
	c.log.Debug("gateway request",
		zap.String("method", method),
		zap.String("path", apiPath),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return gateway.NewError(kindForStatus(resp.StatusCode), apiPath, &apiError{
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(detail)),
		})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return gateway.NewError(gateway.KindPermanent, apiPath, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Probe implements gateway.Client.
func (c *Client) Probe(ctx context.Context) (gateway.Capability, error) {
	var out struct {
		MaxDirectBytes int64  `json:"utilities_max_file_size"`
		APIVersion     string `json:"api_version"`
	}
	if err := c.do(ctx, http.MethodGet, "/status/parameters", nil, nil, &out); err != nil {
		return gateway.Capability{}, err
	}
	return gateway.Capability{
		MaxDirectBytes: out.MaxDirectBytes,
		APIVersion:     out.APIVersion,
		ProbedAt:       time.Now(),
	}, nil
}

type wireFile struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	Permissions  string `json:"permissions"`
	LinkTarget   string `json:"link_target"`
	LastModified string `json:"last_modified"`
}

func (w wireFile) descriptor(parent string) gateway.FileDescriptor {
	mode, _ := strconv.ParseUint(w.Permissions, 8, 32)
	modTime, _ := time.Parse(time.RFC3339, w.LastModified)
	p := w.Name
	if parent != "" {
		p = gateway.Join(parent, w.Name)
	}
	return gateway.FileDescriptor{
		Path:       p,
		Size:       w.Size,
		Mode:       fs.FileMode(mode),
		IsDir:      w.Type == "d",
		IsSymlink:  w.Type == "l",
		LinkTarget: w.LinkTarget,
		ModTime:    modTime,
	}
}

func (c *Client) Stat(ctx context.Context, p string) (gateway.FileDescriptor, error) {
	q := url.Values{"targetPath": {gateway.Normalize(p)}}
	var out wireFile
	if err := c.do(ctx, http.MethodGet, "/utilities/stat", q, nil, &out); err != nil {
		return gateway.FileDescriptor{}, err
	}
	fd := out.descriptor("")
	fd.Path = gateway.Normalize(p)
	return fd, nil
}

func (c *Client) List(ctx context.Context, p string, recursive bool) ([]gateway.FileDescriptor, error) {
	p = gateway.Normalize(p)
	q := url.Values{
		"targetPath": {p},
		"recursive":  {strconv.FormatBool(recursive)},
	}
	var out struct {
		Files []struct {
			wireFile
			RelPath string `json:"rel_path"`
		} `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/utilities/ls", q, nil, &out); err != nil {
		return nil, err
	}
	fds := make([]gateway.FileDescriptor, 0, len(out.Files))
	for _, f := range out.Files {
		fd := f.wireFile.descriptor("")
		if f.RelPath != "" {
			fd.Path = gateway.Join(p, f.RelPath)
		} else {
			fd.Path = gateway.Join(p, f.Name)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func (c *Client) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	body := map[string]string{
		"targetPath": gateway.Normalize(p),
		"mode":       strconv.FormatUint(uint64(mode.Perm()), 8),
	}
	return c.do(ctx, http.MethodPut, "/utilities/chmod", nil, body, nil)
}

func (c *Client) Mkdir(ctx context.Context, p string, parents bool) error {
	body := map[string]any{
		"targetPath": gateway.Normalize(p),
		"parents":    parents,
	}
	return c.do(ctx, http.MethodPost, "/utilities/mkdir", nil, body, nil)
}

func (c *Client) Remove(ctx context.Context, p string, recursive bool) error {
	q := url.Values{
		"targetPath": {gateway.Normalize(p)},
		"recursive":  {strconv.FormatBool(recursive)},
	}
	return c.do(ctx, http.MethodDelete, "/utilities/rm", q, nil, nil)
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	body := map[string]string{
		"sourcePath": gateway.Normalize(oldPath),
		"targetPath": gateway.Normalize(newPath),
	}
	return c.do(ctx, http.MethodPut, "/utilities/rename", nil, body, nil)
}

// UploadDirect moves a bounded payload through the gateway itself.
func (c *Client) UploadDirect(ctx context.Context, p string, data []byte) error {
	q := url.Values{"targetPath": {gateway.Normalize(p)}}
	u := c.base + "/utilities/upload?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("X-Machine-Name", c.machine)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.NewError(gateway.KindCancelled, p, ctx.Err())
		}
		return gateway.NewError(gateway.KindTransient, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return gateway.NewError(kindForStatus(resp.StatusCode), p, &apiError{
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(detail)),
		})
	}
	return nil
}

// DownloadDirect fetches a bounded payload through the gateway itself.
func (c *Client) DownloadDirect(ctx context.Context, p string) ([]byte, error) {
	q := url.Values{"sourcePath": {gateway.Normalize(p)}}
	u := c.base + "/utilities/download?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("X-Machine-Name", c.machine)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gateway.NewError(gateway.KindCancelled, p, ctx.Err())
		}
		return nil, gateway.NewError(gateway.KindTransient, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gateway.NewError(kindForStatus(resp.StatusCode), p, &apiError{
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(detail)),
		})
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gateway.NewError(gateway.KindTransient, p, err)
	}
	return data, nil
}

type signedURL struct {
	URL string `json:"url"`
}

// UploadStream stages a large payload through a signed URL issued by
// the gateway.
func (c *Client) UploadStream(ctx context.Context, p string, r io.Reader, size int64) error {
	body := map[string]string{"targetPath": gateway.Normalize(p)}
	var signed signedURL
	if err := c.do(ctx, http.MethodPost, "/storage/xfer-upload", nil, body, &signed); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.URL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.NewError(gateway.KindCancelled, p, ctx.Err())
		}
		return gateway.NewError(gateway.KindTransient, p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gateway.NewError(kindForStatus(resp.StatusCode), p, &apiError{Status: resp.StatusCode})
	}
	return nil
}

// DownloadStream stages a large payload through a signed URL issued by
// the gateway. The caller must close the returned reader.
func (c *Client) DownloadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	body := map[string]string{"sourcePath": gateway.Normalize(p)}
	var signed signedURL
	if err := c.do(ctx, http.MethodPost, "/storage/xfer-download", nil, body, &signed); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gateway.NewError(gateway.KindCancelled, p, ctx.Err())
		}
		return nil, gateway.NewError(gateway.KindTransient, p, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, gateway.NewError(kindForStatus(resp.StatusCode), p, &apiError{Status: resp.StatusCode})
	}
	return resp.Body, nil
}

func (c *Client) Checksum(ctx context.Context, p string) (string, error) {
	q := url.Values{"targetPath": {gateway.Normalize(p)}}
	var out struct {
		Checksum string `json:"checksum"`
	}
	if err := c.do(ctx, http.MethodGet, "/utilities/checksum", q, nil, &out); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out.Checksum)), nil
}

func (c *Client) RemoteCopy(ctx context.Context, src, dst string) error {
	body := map[string]string{
		"sourcePath": gateway.Normalize(src),
		"targetPath": gateway.Normalize(dst),
	}
	return c.do(ctx, http.MethodPost, "/utilities/copy", nil, body, nil)
}

func (c *Client) Archive(ctx context.Context, treePath, archivePath string, dereference bool) error {
	body := map[string]any{
		"sourcePath":  gateway.Normalize(treePath),
		"targetPath":  gateway.Normalize(archivePath),
		"dereference": dereference,
	}
	err := c.do(ctx, http.MethodPost, "/utilities/compress", nil, body, nil)
	if err != nil && gateway.KindOf(err) == gateway.KindPermanent {
		return gateway.NewError(gateway.KindRemoteArchive, treePath, err)
	}
	return err
}

func (c *Client) Extract(ctx context.Context, archivePath, destTree string) error {
	body := map[string]string{
		"sourcePath": gateway.Normalize(archivePath),
		"targetPath": gateway.Normalize(destTree),
	}
	err := c.do(ctx, http.MethodPost, "/utilities/extract", nil, body, nil)
	if err != nil && gateway.KindOf(err) == gateway.KindPermanent {
		return gateway.NewError(gateway.KindRemoteArchive, archivePath, err)
	}
	return err
}

func (c *Client) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	body := map[string]string{"scriptPath": gateway.Normalize(scriptPath)}
	var out struct {
		JobID json.Number `json:"jobid"`
	}
	if err := c.do(ctx, http.MethodPost, "/compute/jobs", nil, body, &out); err != nil {
		return "", err
	}
	return out.JobID.String(), nil
}

func (c *Client) ListJobs(ctx context.Context, query gateway.JobQuery, page int) ([]gateway.RawJob, bool, error) {
	q := url.Values{"pageNumber": {strconv.Itoa(page)}}
	if len(query.IDs) > 0 {
		q.Set("jobs", strings.Join(query.IDs, ","))
	}
	if query.User != "" {
		q.Set("user", query.User)
	}
	var out struct {
		Jobs []struct {
			JobID      json.Number `json:"jobid"`
			State      string      `json:"state"`
			Name       string      `json:"name"`
			User       string      `json:"user"`
			Nodes      string      `json:"nodes"`
			NodeList   string      `json:"nodelist"`
			Partition  string      `json:"partition"`
			SubmitTime string      `json:"time_submit"`
			StartTime  string      `json:"time_start"`
			TimeLeft   string      `json:"time_left"`
			TimeUsed   string      `json:"time"`
		} `json:"jobs"`
		More bool `json:"more"`
	}
	if err := c.do(ctx, http.MethodGet, "/compute/jobs", q, nil, &out); err != nil {
		return nil, false, err
	}
	jobs := make([]gateway.RawJob, 0, len(out.Jobs))
	for _, j := range out.Jobs {
		jobs = append(jobs, gateway.RawJob{
			ID:         j.JobID.String(),
			State:      j.State,
			Name:       j.Name,
			User:       j.User,
			Nodes:      j.Nodes,
			NodeList:   j.NodeList,
			Partition:  j.Partition,
			SubmitTime: j.SubmitTime,
			StartTime:  j.StartTime,
			TimeLeft:   j.TimeLeft,
			TimeUsed:   j.TimeUsed,
		})
	}
	return jobs, out.More, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	err := c.do(ctx, http.MethodDelete, "/compute/jobs/"+url.PathEscape(jobID), nil, nil, nil)
	if err != nil && gateway.KindOf(err) == gateway.KindNotFound {
		return gateway.NewJobError(gateway.KindNotFound, jobID, err)
	}
	return err
}

func (c *Client) Whoami(ctx context.Context) (string, error) {
	var out struct {
		Username string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/utilities/whoami", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}
