package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/slotwatch/internal/challenge"
)

const twoCaptchaBaseURL = "https://2captcha.com"

// TwoCaptcha solves image CAPTCHAs through 2Captcha's in.php/res.php API.
type TwoCaptcha struct {
	apiKey     string
	baseURL    string
	client     *http.Client
	pollDelay  time.Duration
	maxRetries int
	logger     *slog.Logger
}

// TwoCaptchaOption configures a TwoCaptcha solver.
type TwoCaptchaOption func(*TwoCaptcha)

// WithBaseURL points the solver at a different API host.
func WithBaseURL(u string) TwoCaptchaOption {
	return func(t *TwoCaptcha) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) TwoCaptchaOption {
	return func(t *TwoCaptcha) { t.client = c }
}

// WithPolling sets the delay between result polls and the number of polls.
func WithPolling(delay time.Duration, attempts int) TwoCaptchaOption {
	return func(t *TwoCaptcha) {
		t.pollDelay = delay
		t.maxRetries = attempts
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TwoCaptchaOption {
	return func(t *TwoCaptcha) { t.logger = l }
}

// NewTwoCaptcha creates a new 2Captcha solver.
func NewTwoCaptcha(apiKey string, opts ...TwoCaptchaOption) *TwoCaptcha {
	t := &TwoCaptcha{
		apiKey:  apiKey,
		baseURL: twoCaptchaBaseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollDelay:  5 * time.Second,
		maxRetries: 30, // 2.5 minutes max (30 * 5s)
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns "2captcha".
func (t *TwoCaptcha) Name() string {
	return "2captcha"
}

// CanSolve returns true for image CAPTCHAs when an API key is configured.
func (t *TwoCaptcha) CanSolve(challengeType challenge.Type) bool {
	return t.apiKey != "" && challengeType == challenge.TypeImage
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the image and waits for the recognized text.
func (t *TwoCaptcha) Solve(ctx context.Context, params SolveParams) (*SolveResult, error) {
	if t.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if params.Type != challenge.TypeImage {
		return nil, &SolverError{Message: fmt.Sprintf("unsupported challenge type: %s", params.Type)}
	}
	if params.ImageBase64 == "" {
		return nil, &SolverError{Message: "empty captcha image"}
	}

	start := time.Now()
	taskID, err := t.submitImage(ctx, params.ImageBase64)
	if err != nil {
		return nil, err
	}
	t.logger.Info("captcha submitted", "solver", t.Name(), "task_id", taskID)

	text, err := t.pollResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.logger.Info("captcha solved", "solver", t.Name(), "task_id", taskID, "elapsed", time.Since(start))

	return &SolveResult{
		Text:       text,
		TaskID:     taskID,
		Elapsed:    time.Since(start),
		SolverName: t.Name(),
	}, nil
}

// Balance returns the current account balance.
func (t *TwoCaptcha) Balance(ctx context.Context) (float64, error) {
	body, err := t.get(ctx, "/res.php", url.Values{
		"key":    {t.apiKey},
		"action": {"getbalance"},
		"json":   {"1"},
	})
	if err != nil {
		return -1, err
	}

	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		balance, err := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
		if err != nil {
			return -1, fmt.Errorf("failed to parse balance: %s", string(body))
		}
		return balance, nil
	}

	if result.Status != 1 {
		return -1, fmt.Errorf("failed to get balance: %s", result.Request)
	}

	balance, _ := strconv.ParseFloat(result.Request, 64)
	return balance, nil
}

// submitImage posts a base64 image and returns the task id.
func (t *TwoCaptcha) submitImage(ctx context.Context, imageBase64 string) (string, error) {
	form := url.Values{
		"key":    {t.apiKey},
		"method": {"base64"},
		"body":   {imageBase64},
		"json":   {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &SolverError{Message: "2captcha submit failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %s", string(body))
	}

	if result.Status != 1 {
		return "", &SolverError{Message: fmt.Sprintf("2captcha submit failed: %s", result.Request)}
	}

	return result.Request, nil
}

// pollResult polls for the CAPTCHA solution.
func (t *TwoCaptcha) pollResult(ctx context.Context, taskID string) (string, error) {
	values := url.Values{
		"key":    {t.apiKey},
		"action": {"get"},
		"id":     {taskID},
		"json":   {"1"},
	}

	for i := 0; i < t.maxRetries; i++ {
		timer := time.NewTimer(t.pollDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		body, err := t.get(ctx, "/res.php", values)
		if err != nil {
			t.logger.Debug("captcha poll failed", "task_id", taskID, "error", err)
			continue
		}

		var result apiResponse
		if err := json.Unmarshal(body, &result); err != nil {
			continue
		}

		if result.Status == 1 {
			return result.Request, nil
		}

		if result.Request != "CAPCHA_NOT_READY" {
			return "", &SolverError{Message: fmt.Sprintf("2captcha error: %s", result.Request)}
		}
	}

	return "", ErrSolverTimeout
}

// get makes a GET request to the 2Captcha API and returns the body.
func (t *TwoCaptcha) get(ctx context.Context, path string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
