// Package backend talks to the job marketplace REST API. Reads are
// single-shot; writes are best-effort with linear retry.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobnode/internal/coordinator"
	"jobnode/internal/heartbeat"
	"jobnode/internal/retry"
)

const (
	defaultRequestTimeout     = 15 * time.Second
	defaultEligibilityTimeout = 10 * time.Second
	defaultHeartbeatTimeout   = 5 * time.Second
	defaultAttempts           = 3
	defaultRetryDelay         = 3 * time.Second
	errorBodyLimit            = 512
)

// Client implements coordinator.Backend and heartbeat.Sender.
type Client struct {
	base       string
	apiKey     string
	http       *http.Client
	attempts   int
	retryDelay time.Duration
	log        coordinator.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the write attempt count and base delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// New builds a Client for base. apiKey may be empty.
func New(base, apiKey string, log coordinator.Logger, opts ...Option) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("backend base url is empty")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	c := &Client{
		base:       base,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: defaultRequestTimeout},
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		log:        coordinator.DefaultLogger(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// wireJob accepts job ids encoded as either strings or numbers.
type wireJob struct {
	JobID      json.RawMessage `json:"job_id"`
	ChainJobID *int64          `json:"chain_job_id"`
	ModelCID   string          `json:"model_cid"`
	DatasetCID string          `json:"dataset_cid"`
}

func (c *Client) UnclaimedJobs(ctx context.Context) ([]coordinator.Job, error) {
	var wire []wireJob
	if err := c.getJSON(ctx, "/api/unclaimed-jobs", &wire); err != nil {
		return nil, err
	}
	jobs := make([]coordinator.Job, 0, len(wire))
	for _, w := range wire {
		id, err := decodeJobID(w.JobID)
		if err != nil {
			c.log.Warnf("ignoring unclaimed job with bad job_id %s: %v", string(w.JobID), err)
			continue
		}
		jobs = append(jobs, coordinator.Job{
			JobID:      id,
			ChainJobID: w.ChainJobID,
			ModelCID:   w.ModelCID,
			DatasetCID: w.DatasetCID,
		})
	}
	return jobs, nil
}

func decodeJobID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("empty job_id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func (c *Client) NodeEligibility(ctx context.Context, nodeID string) (coordinator.Eligibility, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultEligibilityTimeout)
	defer cancel()
	var body struct {
		Eligible bool   `json:"eligible"`
		Message  string `json:"message"`
	}
	if err := c.getJSON(ctx, "/api/node-eligibility/"+url.PathEscape(nodeID), &body); err != nil {
		return coordinator.Eligibility{}, err
	}
	return coordinator.Eligibility{Eligible: body.Eligible, Message: body.Message}, nil
}

func (c *Client) ClaimJob(ctx context.Context, jobID, wallet string) error {
	return c.postForm(ctx, "/claim-job/", url.Values{"job_id": {jobID}, "wallet_address": {wallet}})
}

func (c *Client) UpdateTxHash(ctx context.Context, jobID, txHash string) error {
	return c.postForm(ctx, "/api/update-tx-hash/", url.Values{"job_id": {jobID}, "tx_hash": {txHash}})
}

func (c *Client) UpdateExecutor(ctx context.Context, jobID, wallet string) error {
	return c.postForm(ctx, "/update-job-executor/", url.Values{"job_id": {jobID}, "wallet_address": {wallet}})
}

func (c *Client) FailJob(ctx context.Context, r coordinator.FailureReport) error {
	return c.postForm(ctx, "/fail-job/", url.Values{
		"job_id":    {r.JobID},
		"reason":    {r.Reason},
		"errorCode": {strconv.Itoa(int(r.Code))},
		"executor":  {r.Executor},
	})
}

// SubmitResult uploads the result file as multipart form field result_file.
// The file is streamed, and reopened on every attempt.
func (c *Client) SubmitResult(ctx context.Context, jobID, wallet, resultPath string) error {
	return c.write(ctx, "/api/submit-result/", func(ctx context.Context) (*http.Request, error) {
		f, err := os.Open(resultPath)
		if err != nil {
			return nil, retry.Stop(fmt.Errorf("open result: %w", err))
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			pw.CloseWithError(writeResultForm(mw, f, filepath.Base(resultPath), jobID, wallet))
		}()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/submit-result/", pr)
		if err != nil {
			pr.Close()
			return nil, retry.Stop(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
}

func writeResultForm(mw *multipart.Writer, f io.Reader, name, jobID, wallet string) error {
	if err := mw.WriteField("job_id", jobID); err != nil {
		return err
	}
	if err := mw.WriteField("wallet_address", wallet); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("result_file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

// SendHeartbeat posts one heartbeat without retry.
func (c *Client) SendHeartbeat(ctx context.Context, p heartbeat.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultHeartbeatTimeout)
	defer cancel()
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/network/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "/api/network/heartbeat")
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("GET", path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	encoded := form.Encode()
	return c.write(ctx, path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(encoded))
		if err != nil {
			return nil, retry.Stop(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// write retries build+send with linear backoff. Every attempt of one write
// carries the same X-Request-ID.
func (c *Client) write(ctx context.Context, path string, build func(ctx context.Context) (*http.Request, error)) error {
	requestID := uuid.NewString()
	return retry.Linear(ctx, c.attempts, c.retryDelay, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("X-Request-ID", requestID)
		return c.do(req, path)
	}, func(attempt int, err error) {
		c.log.Warnf("backend update %s failed (attempt %d): %v", path, attempt, err)
	})
}

func (c *Client) do(req *http.Request, path string) error {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(req.Method, path, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
}
