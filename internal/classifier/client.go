// Package classifier wraps the external semantic-classification endpoint used
// as the pipeline's fallback decision stage. The client is stateless across
// invocations; retry bounds and the whole-call deadline keep a classifier
// outage from stalling batch processing.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

// acceptToken is the literal acceptance contract: the trimmed response must
// equal it exactly, case-sensitively. No fuzzy matching.
const acceptToken = "YES"

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second

	// DefaultTimeout covers the whole call including all retry attempts.
	DefaultTimeout = 30 * time.Second

	// defaultMaxConns caps keep-alive connections to the endpoint.
	defaultMaxConns = 6
)

// DefaultInstruction is the production classification prompt. Its content is
// configuration, not logic; deployments may override it.
const DefaultInstruction = `You are a helpful assistant that can understand both English and Japanese text. For the given text, respond with 'YES' if it contains ANY reference or connection to Shohei Ohtani (大谷翔平), a Japanese baseball player who plays as a pitcher and fielder in the American Major League Baseball(MLB, メジャーリーグ), DODGERS(ドジャーズ). This includes:
- His name in any form (Ohtani, 大谷, 翔平, shohei, etc.)
- His wife Mamiko (真美子さん)
- His dog Deko or Dekopin (デコピン)
- Any other content that mentions or relates to him, even briefly Even if the connection is minor or indirect.

Exceptions: Answer 'NO' in the following cases:
- Otani is mentioned in a political context or in hate speech or Bad comments.
- A person named Ohtani who is not a baseball player. (professional wrestling player, Biker, etc)
- Text with little information, such as everyday conversation (greetings and replies)
- Text that contains negative emotions that might make Otani fans feel bad (too much news about Otani, not interested in Otani, mentioning Otani in a political context, etc.)`

// Client calls the classification endpoint. Implements domain.Classifier.
type Client struct {
	endpoint    string
	instruction string
	apiKey      string
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	httpClient  *http.Client
}

// Options configure a Client. Zero values fall back to the defaults above.
type Options struct {
	// Instruction is the natural-language classification prompt sent with
	// every request. Empty means DefaultInstruction.
	Instruction string

	// APIKey, when set, is sent as the x-api-key header.
	APIKey string

	// MaxAttempts bounds retries of transient transport failures.
	MaxAttempts int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration

	// Timeout is the whole-call deadline covering all attempts.
	Timeout time.Duration

	// HTTPClient overrides the default keep-alive client, mainly for tests.
	HTTPClient *http.Client
}

// NewClient creates a classifier client for the given endpoint URL.
func NewClient(endpoint string, opts Options) *Client {
	c := &Client{
		endpoint:    endpoint,
		instruction: opts.Instruction,
		apiKey:      opts.APIKey,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		timeout:     opts.Timeout,
		httpClient:  opts.HTTPClient,
	}
	if c.instruction == "" {
		c.instruction = DefaultInstruction
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxConns,
				MaxIdleConnsPerHost: defaultMaxConns,
				MaxConnsPerHost:     defaultMaxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c
}

type classifyRequest struct {
	Instruction string `json:"instruction"`
	Author      string `json:"author"`
	Text        string `json:"text"`
}

type classifyResponse struct {
	Text string `json:"text"`
}

// Classify sends the candidate to the classification endpoint and maps the
// response to a verdict. Transient transport failures are retried up to the
// attempt bound with a fixed delay; any other failure yields VerdictAbsent
// immediately. The returned error is informational only — ambiguity always
// surfaces as VerdictAbsent, never as acceptance.
func (c *Client) Classify(ctx context.Context, author, text string) (domain.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		token, err := c.attempt(ctx, author, text)
		if err == nil {
			if token == acceptToken {
				return domain.VerdictYes, nil
			}
			return domain.VerdictNo, nil
		}

		lastErr = err
		if !isTransient(err) {
			return domain.VerdictAbsent, fmt.Errorf("classify: %w", err)
		}
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return domain.VerdictAbsent, fmt.Errorf("classify: %w", ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}

	return domain.VerdictAbsent, fmt.Errorf("classify: %d attempts failed: %w", c.maxAttempts, lastErr)
}

// attempt performs a single request and returns the trimmed response token.
func (c *Client) attempt(ctx context.Context, author, text string) (string, error) {
	payload, err := json.Marshal(classifyRequest{
		Instruction: c.instruction,
		Author:      author,
		Text:        text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("send request: %w", err)
		}
		// Connection resets, dial failures and other transport-level errors
		// are worth another attempt.
		return "", &transientError{err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &transientError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("classifier error (status %d): %s", resp.StatusCode, truncateBody(body))
	}

	var result classifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unexpected response shape: %w", err)
	}

	return strings.TrimSpace(result.Text), nil
}

// transientError marks failures eligible for retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
