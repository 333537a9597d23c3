package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"kmsai/internal/servicetoken"
	"kmsai/internal/util"
	"kmsai/pkg/domain"
)

// ProcessRequest is the body of the processor's /process_doc endpoint.
type ProcessRequest struct {
	DocID         string                `json:"doc_id"`
	DuplicateInfo *domain.DuplicateInfo `json:"duplicate_info,omitempty"`
}

type processorClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	attempts   uint64
	backoff    time.Duration
	timeout    time.Duration
	httpClient *http.Client
}

func newProcessorClient(baseURL string, signer *servicetoken.Signer, attempts uint64, backoff time.Duration) *processorClient {
	if attempts == 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &processorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		attempts:   attempts,
		backoff:    backoff,
		timeout:    15 * time.Second,
		httpClient: &http.Client{},
	}
}

// Process hands a document to the processor, retrying with exponential
// backoff. Client errors (4xx) are not retried.
func (c *processorClient) Process(ctx context.Context, req ProcessRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	attempt := 0
	backoff := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.post(ctx, "/process_doc", payload)
		if err == nil {
			return nil
		}
		slog.Warn("send to processor failed", "doc_id", req.DocID, "attempt", attempt, "err", err)
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return err
		}
		return retry.RetryableError(err)
	})
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("processor returned %d: %s", e.code, e.msg)
}

func (c *processorClient) post(ctx context.Context, path string, payload []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Authorize(req, "processor"); err != nil {
		return err
	}
	util.PropagateRequestID(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &statusError{code: resp.StatusCode, msg: msg}
	}
	return nil
}
