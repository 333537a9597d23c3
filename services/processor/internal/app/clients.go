package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"kmsai/internal/servicetoken"
	"kmsai/internal/util"
)

// Callback is the body of the scanner's /chunk_callback endpoint.
// ChunkStatus is domain.CallbackSuccess or domain.CallbackFailed.
type Callback struct {
	DocID        string `json:"doc_id"`
	ChunkStatus  string `json:"chunk_status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type scannerClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func newScannerClient(baseURL string, signer *servicetoken.Signer) *scannerClient {
	return &scannerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Notify reports a chunking outcome. The document state is already
// persisted, so a scanner that stays unreachable only costs the scanner its
// prompt reaction; its pollers catch up later.
func (c *scannerClient) Notify(ctx context.Context, cb Callback) {
	payload, err := json.Marshal(cb)
	if err != nil {
		slog.Error("encode chunk callback", "doc_id", cb.DocID, "err", err)
		return
	}
	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.post(ctx, payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("chunk callback failed", "doc_id", cb.DocID, "status", cb.ChunkStatus, "err", err)
	}
}

func (c *scannerClient) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chunk_callback", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Authorize(req, "scanner"); err != nil {
		return err
	}
	util.PropagateRequestID(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("scanner returned %s", resp.Status)
	}
	return nil
}
