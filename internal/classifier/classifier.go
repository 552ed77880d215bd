package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrUnavailable indicates the classifier collaborator could not be
	// reached or returned a non-success status.
	ErrUnavailable = errors.New("classifier: unavailable")

	errMissingEndpoint = errors.New("classifier: endpoint required")
	errMissingImageURL = errors.New("classifier: image url required")
)

// Result is the verdict returned by the image classifier collaborator.
type Result struct {
	Valid  bool
	Reason string
	Labels []string
}

// Classifier decides whether an evidence image plausibly shows campus
// infrastructure. Implementations may be remote and may fail; callers own
// the unavailable policy.
type Classifier interface {
	Classify(ctx context.Context, imageURL string) (Result, error)
}

// HTTPClassifierConfig configures the remote classifier client.
type HTTPClassifierConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// HTTPClassifier calls a remote classification endpoint over JSON.
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewHTTPClassifier constructs a classifier client with validated configuration.
func NewHTTPClassifier(cfg HTTPClassifierConfig) (*HTTPClassifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClassifier{
		endpoint:   endpoint,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

type classifyRequestPayload struct {
	ImageURL string `json:"image_url"`
}

type classifyResponsePayload struct {
	IsValid bool     `json:"is_valid"`
	Reason  string   `json:"reason"`
	Labels  []string `json:"labels"`
}

// Classify submits the evidence image reference and returns the verdict.
// The call is bounded by the configured timeout so a stalled collaborator
// never hangs the submission flow.
func (c *HTTPClassifier) Classify(ctx context.Context, imageURL string) (Result, error) {
	if strings.TrimSpace(imageURL) == "" {
		return Result{}, errMissingImageURL
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(classifyRequestPayload{ImageURL: imageURL})
	if err != nil {
		return Result{}, err
	}

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("classifier request failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.logger.Warn("classifier returned non-success status", zap.Int("status", response.StatusCode))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	var payload classifyResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Result{
		Valid:  payload.IsValid,
		Reason: strings.TrimSpace(payload.Reason),
		Labels: payload.Labels,
	}, nil
}
