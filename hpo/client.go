package hpo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/inference-sim/hpo-client/hpo/retry"
)

// Endpoint paths and protocol names shared with the optimization service.
const (
	trialPath       = "trial"
	scorePath       = "score"
	bestPath        = "best"
	studyIDParam    = "study_id"
	requestIDHeader = "X-Request-ID"
)

// Defaults for ClientConfig.
const (
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 10 * time.Second
)

// ErrRequestConstruction marks local faults that prevent building a request
// at all. These are never retried.
var ErrRequestConstruction = errors.New("cannot construct request")

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL              string
	MaxAttempts          int           // per exchange, must be >= 1
	MaxBackoff           time.Duration // cap on a single backoff sleep; <= 0 keeps retry.DefaultMaxWait
	TrialTimeout         time.Duration
	ScoreTimeout         time.Duration
	BestTimeout          time.Duration
	MaxRequestsPerSecond float64 // 0 = unlimited
	TerminalStatuses     []int   // statuses that end an exchange without retry
}

// DefaultClientConfig returns the standard configuration for baseURL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:      baseURL,
		MaxAttempts:  DefaultMaxAttempts,
		MaxBackoff:   retry.DefaultMaxWait,
		TrialTimeout: DefaultRequestTimeout,
		ScoreTimeout: DefaultRequestTimeout,
		BestTimeout:  DefaultRequestTimeout,
	}
}

// Trial is a successful /trial answer.
type Trial struct {
	StudyID string
	Params  Params
}

// Client speaks the trial protocol to an optimization service. Each
// operation is one retry-wrapped exchange.
//
// Thread-safety: NOT thread-safe. Use one Client per trial loop.
type Client struct {
	baseURL      string
	trialTimeout time.Duration
	scoreTimeout time.Duration
	bestTimeout  time.Duration
	httpClient   *http.Client
	policy       *retry.Policy
	limiter      *rate.Limiter
}

// ClientOption customizes a Client beyond ClientConfig.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient   *http.Client
	retryOptions []retry.Option
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithRetryOptions passes extra options to the retry policy, e.g. a seeded
// jitter source or a non-blocking sleep in tests.
func WithRetryOptions(opts ...retry.Option) ClientOption {
	return func(o *clientOptions) { o.retryOptions = append(o.retryOptions, opts...) }
}

// NewClient validates cfg and creates a Client.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server URL %q: %v", ErrRequestConstruction, cfg.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: server URL %q must be an absolute http(s) URL", ErrRequestConstruction, cfg.BaseURL)
	}

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	retryOpts := []retry.Option{retry.WithTerminalStatuses(cfg.TerminalStatuses...)}
	if cfg.MaxBackoff > 0 {
		retryOpts = append(retryOpts, retry.WithMaxWait(cfg.MaxBackoff))
	}
	policy, err := retry.NewPolicy(cfg.MaxAttempts, append(retryOpts, o.retryOptions...)...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:      base,
		trialTimeout: orDefault(cfg.TrialTimeout, DefaultRequestTimeout),
		scoreTimeout: orDefault(cfg.ScoreTimeout, DefaultRequestTimeout),
		bestTimeout:  orDefault(cfg.BestTimeout, DefaultRequestTimeout),
		httpClient:   o.httpClient,
		policy:       policy,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// RequestTrial asks the service for the next trial. An empty studyID omits
// the study_id query parameter so the service mints a new study.
// A successful answer may carry an empty Params: the study is finished.
func (c *Client) RequestTrial(ctx context.Context, studyID string) (Trial, error) {
	var query []queryParam
	if studyID != "" {
		query = append(query, queryParam{studyIDParam, studyID})
	}
	endpoint := c.endpoint(trialPath, query...)
	requestID := uuid.NewString()

	trial, err := retry.Do[Trial](ctx, c.policy, "Requesting new trial parameters", func(ctx context.Context) (Trial, *retry.Failure) {
		resp, err := c.exchange(ctx, http.MethodGet, endpoint, nil, c.trialTimeout, requestID)
		if err != nil {
			return Trial{}, retry.TransportFailure(err)
		}
		if resp.status != http.StatusOK {
			return Trial{}, retry.StatusFailure(resp.status, resp.body)
		}
		trial, err := decodeTrial(resp.body)
		if err != nil {
			return Trial{}, retry.SchemaFailure(err)
		}
		return trial, nil
	})
	if err != nil {
		return Trial{}, err
	}
	logrus.Infof("Successfully received new trial parameters: study_id=%s, params=%s", trial.StudyID, trial.Params)
	return trial, nil
}

// SubmitScore posts {"score": score} for studyID. Only HTTP 200 counts as
// success.
func (c *Client) SubmitScore(ctx context.Context, studyID string, score float64) error {
	if studyID == "" {
		return fmt.Errorf("%w: score submission requires a study id", ErrRequestConstruction)
	}
	body, err := encodeScore(score)
	if err != nil {
		return fmt.Errorf("%w: encoding score %v: %v", ErrRequestConstruction, score, err)
	}
	endpoint := c.endpoint(scorePath, queryParam{studyIDParam, studyID})
	requestID := uuid.NewString()

	op := fmt.Sprintf("Submitting score: score=%v, study_id=%s", score, studyID)
	_, err = retry.Do[struct{}](ctx, c.policy, op, func(ctx context.Context) (struct{}, *retry.Failure) {
		resp, err := c.exchange(ctx, http.MethodPost, endpoint, body, c.scoreTimeout, requestID)
		if err != nil {
			return struct{}{}, retry.TransportFailure(err)
		}
		if resp.status != http.StatusOK {
			return struct{}{}, retry.StatusFailure(resp.status, resp.body)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	logrus.Info("Score submission successful")
	return nil
}

// RequestBest fetches the best parameters the service has seen for studyID.
func (c *Client) RequestBest(ctx context.Context, studyID string) (Params, error) {
	if studyID == "" {
		return Params{}, fmt.Errorf("%w: best parameters require a study id", ErrRequestConstruction)
	}
	endpoint := c.endpoint(bestPath, queryParam{studyIDParam, studyID})
	requestID := uuid.NewString()

	params, err := retry.Do[Params](ctx, c.policy, "Requesting best parameters", func(ctx context.Context) (Params, *retry.Failure) {
		resp, err := c.exchange(ctx, http.MethodGet, endpoint, nil, c.bestTimeout, requestID)
		if err != nil {
			return Params{}, retry.TransportFailure(err)
		}
		if resp.status != http.StatusOK {
			return Params{}, retry.StatusFailure(resp.status, resp.body)
		}
		params, err := decodeBest(resp.body)
		if err != nil {
			return Params{}, retry.SchemaFailure(err)
		}
		return params, nil
	})
	if err != nil {
		return Params{}, err
	}
	logrus.Infof("Successfully received best parameters: %s", params)
	return params, nil
}

// === Wire format ===

type queryParam struct {
	key   string
	value string
}

// endpoint joins base URL, "/" and path, then appends key=value pairs
// separated by "&".
func (c *Client) endpoint(path string, query ...queryParam) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteByte('/')
	b.WriteString(path)
	for i, q := range query {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(q.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.value))
	}
	return b.String()
}

type trialResponse struct {
	StudyID *string `json:"study_id"`
	Params  *Params `json:"params"`
}

type bestResponse struct {
	Params *Params `json:"params"`
}

type scorePayload struct {
	Score float64 `json:"score"`
}

func decodeTrial(body []byte) (Trial, error) {
	var r trialResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Trial{}, fmt.Errorf("JSON parsing error: %w", err)
	}
	if r.StudyID == nil {
		return Trial{}, fmt.Errorf("response is missing %q", "study_id")
	}
	if r.Params == nil {
		return Trial{}, fmt.Errorf("response is missing %q", "params")
	}
	if *r.StudyID == "" && !r.Params.IsEmpty() {
		return Trial{}, fmt.Errorf("response has parameters but an empty %q", "study_id")
	}
	return Trial{StudyID: *r.StudyID, Params: *r.Params}, nil
}

func decodeBest(body []byte) (Params, error) {
	var r bestResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Params{}, fmt.Errorf("JSON parsing error: %w", err)
	}
	if r.Params == nil {
		return Params{}, fmt.Errorf("response is missing %q", "params")
	}
	return *r.Params, nil
}

// encodeScore renders the /score body. Non-finite scores cannot be encoded.
func encodeScore(score float64) ([]byte, error) {
	return json.Marshal(scorePayload{Score: score})
}

// === Transport ===

// response is the raw result of one HTTP round trip. The body is owned by
// the caller.
type response struct {
	status int
	body   []byte
}

// exchange performs exactly one HTTP request bounded by timeout.
func (c *Client) exchange(ctx context.Context, method, endpoint string, body []byte, timeout time.Duration, requestID string) (response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return response{}, fmt.Errorf("request creation error: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestIDHeader, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read error: %w", err)
	}
	return response{status: resp.StatusCode, body: data}, nil
}
