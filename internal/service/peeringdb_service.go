package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"netviz/internal/config"
	"netviz/internal/model"
)

const (
	userAgent = "netviz/1.0"
	maxPages  = 10000
)

var errPaginationLoop = errors.New("next link revisits an already fetched page")

// PeeringDBService pages through one PeeringDB entity type. It performs no
// disk I/O.
type PeeringDBService struct {
	baseURL  string
	apiKey   string
	pageSize int
	policy   config.BackoffPolicy
	limiter  *rate.Limiter
	client   *http.Client
	metrics  *Metrics
	logger   *zap.Logger
}

// NewPeeringDBService builds the fetch client. A nil client gets a default
// transport bounded by cfg.FetchTimeout.
func NewPeeringDBService(cfg *config.Config, client *http.Client, metrics *Metrics, logger *zap.Logger) *PeeringDBService {
	if client == nil {
		client = &http.Client{
			Timeout: cfg.FetchTimeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				MaxIdleConns:      10,
				IdleConnTimeout:   90 * time.Second,
				ForceAttemptHTTP2: true,
			},
		}
	}
	rpm := cfg.EffectiveRequestsPerMinute()

	return &PeeringDBService{
		baseURL:  cfg.APIURL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		policy:   cfg.Retry,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
		client:   client,
		metrics:  metrics,
		logger:   logger,
	}
}

type apiResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		Next string `json:"next"`
	} `json:"meta"`
}

// Fetch returns every record of entityType. If a page after the first fails
// for good, the pages already fetched are returned with Partial set and the
// cause in PartialErr. A failing first page returns a *model.FetchError.
func (s *PeeringDBService) Fetch(ctx context.Context, entityType string) (*model.RawPayload, error) {
	startTime := time.Now()
	payload := &model.RawPayload{EntityType: entityType}

	s.logger.Info("Starting registry fetch",
		zap.String("entity_type", entityType),
		zap.Bool("authenticated", s.apiKey != ""))

	next := s.pageURL(entityType, 0)
	skip := 0
	visited := make(map[string]bool)
	for page := 1; next != ""; page++ {
		if visited[next] || page > maxPages {
			s.logger.Warn("registry pagination does not terminate, keeping fetched pages",
				zap.String("entity_type", entityType),
				zap.String("next", next),
				zap.Int("pages", payload.Pages))
			payload.Partial = true
			payload.PartialErr = &model.FetchError{
				Kind: model.FetchMalformedResponse, EntityType: entityType, Page: page, Err: errPaginationLoop,
			}
			break
		}
		visited[next] = true

		resp, err := s.fetchPage(ctx, entityType, page, next)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if page == 1 {
				return nil, err
			}
			s.logger.Warn("registry fetch ended early, keeping fetched pages",
				zap.String("entity_type", entityType),
				zap.Int("failed_page", page),
				zap.Int("records", len(payload.Records)),
				zap.Error(err))
			payload.Partial = true
			payload.PartialErr = err
			break
		}

		payload.Records = append(payload.Records, resp.Data...)
		payload.Pages = page
		s.metrics.FetchPages.Inc()

		switch {
		case resp.Meta.Next != "":
			next, err = s.resolve(next, resp.Meta.Next)
			if err != nil {
				payload.Partial = true
				payload.PartialErr = &model.FetchError{
					Kind: model.FetchMalformedResponse, EntityType: entityType, Page: page + 1, Err: err,
				}
				next = ""
			}
		case len(resp.Data) < s.pageSize:
			next = ""
		default:
			skip += len(resp.Data)
			next = s.pageURL(entityType, skip)
		}
	}
	payload.FetchedAt = time.Now().UTC()

	s.logger.Info("Finished registry fetch",
		zap.String("entity_type", entityType),
		zap.Int("pages", payload.Pages),
		zap.Int("records", len(payload.Records)),
		zap.Bool("partial", payload.Partial),
		zap.Duration("total_time", time.Since(startTime)))

	return payload, nil
}

func (s *PeeringDBService) pageURL(entityType string, skip int) string {
	q := url.Values{}
	q.Set("depth", "0")
	q.Set("limit", strconv.Itoa(s.pageSize))
	q.Set("skip", strconv.Itoa(skip))
	return fmt.Sprintf("%s/%s?%s", s.baseURL, entityType, q.Encode())
}

func (s *PeeringDBService) resolve(current, next string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("parsing next link %q: %w", next, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// retryAfterBackOff stretches the next delay to the server's Retry-After
// hint when one was given.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (s *PeeringDBService) fetchPage(ctx context.Context, entityType string, page int, pageURL string) (*apiResponse, error) {
	policy := &retryAfterBackOff{
		BackOff: &backoff.ExponentialBackOff{
			InitialInterval:     s.policy.BaseDelay,
			RandomizationFactor: s.policy.Jitter,
			Multiplier:          2,
			MaxInterval:         s.policy.MaxDelay,
		},
	}

	operation := func() (*apiResponse, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := s.doRequest(ctx, entityType, page, pageURL)
		if err == nil {
			return resp, nil
		}
		var fe *model.FetchError
		if errors.As(err, &fe) && fe.Kind.Retryable() && ctx.Err() == nil {
			if ra, ok := fe.Err.(*retryAfterError); ok {
				policy.hint = ra.after
			}
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		kind := "unknown"
		var fe *model.FetchError
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		s.metrics.FetchRetries.WithLabelValues(kind).Inc()
		s.logger.Warn("Failed to fetch registry page, retrying...",
			zap.String("entity_type", entityType),
			zap.Int("page", page),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.policy.MaxAttempts)),
		backoff.WithNotify(notify))
}

type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.after)
}

func (s *PeeringDBService) doRequest(ctx context.Context, entityType string, page int, pageURL string) (*apiResponse, error) {
	fail := func(kind model.FetchErrorKind, status int, err error) error {
		return &model.FetchError{Kind: kind, EntityType: entityType, Page: page, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Api-Key "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isTimeout(err) {
			return nil, fail(model.FetchTimeout, 0, err)
		}
		return nil, fail(model.FetchUnreachable, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		var cause error = errors.New("rate limited by registry")
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			cause = &retryAfterError{after: after}
		}
		return nil, fail(model.FetchRateLimited, resp.StatusCode, cause)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fail(model.FetchAuthRejected, resp.StatusCode, nil)
	case resp.StatusCode >= 500:
		return nil, fail(model.FetchUnreachable, resp.StatusCode, nil)
	default:
		return nil, fail(model.FetchMalformedResponse, resp.StatusCode, fmt.Errorf("unexpected status code"))
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if isTimeout(err) {
			return nil, fail(model.FetchTimeout, resp.StatusCode, err)
		}
		return nil, fail(model.FetchMalformedResponse, resp.StatusCode, fmt.Errorf("decoding body: %w", err))
	}
	if body.Data == nil {
		return nil, fail(model.FetchMalformedResponse, resp.StatusCode, errors.New(`response has no "data" array`))
	}

	s.logger.Debug("fetched registry page",
		zap.String("entity_type", entityType),
		zap.Int("page", page),
		zap.Int("records", len(body.Data)))
	return &body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
