package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/kon-rad/neoapi-go/internal/record"
)

const (
	DefaultBaseURL = "https://api.neoapi.ai"
	outputsPath    = "/v1/llm-outputs"
	analyzePath    = outputsPath + "/analyze"
	maxErrorBody   = 512
)

type HTTP struct {
	baseURL     string
	apiKey      string
	timeout     time.Duration
	maxRetries  uint
	baseBackoff time.Duration

	mu     sync.RWMutex
	client *http.Client
	custom *http.Client
}

type payload struct {
	Outputs []*record.LLMOutput `json:"outputs"`
}

// StatusError is a non-2xx response. 5xx responses are retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("send status %d", e.StatusCode)
	}
	return fmt.Sprintf("send status %d: %s", e.StatusCode, e.Body)
}

func NewHTTP(baseURL, apiKey string) *HTTP {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTP{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		timeout:     30 * time.Second,
		maxRetries:  3,
		baseBackoff: 200 * time.Millisecond,
	}
}

// Configure sets the HTTP client used once the session opens (nil keeps the
// default) and the retry policy.
func (h *HTTP) Configure(client *http.Client, retries uint, backoff time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.custom = client
	h.maxRetries = retries
	h.baseBackoff = backoff
}

// Open creates the session reused by every Send.
func (h *HTTP) Open(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return nil
	}
	if h.custom != nil {
		h.client = h.custom
		return nil
	}
	h.client = &http.Client{Timeout: h.timeout}
	return nil
}

func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A caller-supplied client is left alone.
	if h.client != nil && h.client != h.custom {
		h.client.CloseIdleConnections()
	}
	h.client = nil
	return nil
}

func (h *HTTP) Endpoint(wantsAnalysis bool) string {
	if wantsAnalysis {
		return h.baseURL + analyzePath
	}
	return h.baseURL + outputsPath
}

func (h *HTTP) Send(ctx context.Context, batch []*record.LLMOutput, wantsAnalysis bool) (Result, error) {
	h.mu.RLock()
	client := h.client
	attempts := h.maxRetries
	backoff := h.baseBackoff
	h.mu.RUnlock()
	if client == nil {
		return Result{}, ErrNotStarted
	}

	body, err := json.Marshal(payload{Outputs: batch})
	if err != nil {
		return Result{}, fmt.Errorf("encode batch: %w", err)
	}

	requestID := uuid.NewString()
	endpoint := h.Endpoint(wantsAnalysis)
	var res Result
	err = retry.Do(
		func() error {
			var sendErr error
			res, sendErr = h.post(ctx, client, endpoint, requestID, body, wantsAnalysis)
			return sendErr
		},
		retry.Context(ctx),
		retry.Attempts(max(attempts, 1)),
		retry.Delay(backoff),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return res, fmt.Errorf("send %d outputs to %s: %w", len(batch), endpoint, err)
	}
	return res, nil
}

func (h *HTTP) post(ctx context.Context, client *http.Client, endpoint, requestID string, body []byte, wantsAnalysis bool) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode, RequestID: requestID}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return res, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if !wantsAnalysis {
		_, _ = io.Copy(io.Discard, resp.Body)
		return res, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("read analysis response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			return res, retry.Unrecoverable(errors.New("analysis response is not valid json"))
		}
		res.Analysis = json.RawMessage(raw)
	}
	return res, nil
}

func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
