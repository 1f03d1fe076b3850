package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PrometheusConfig holds configuration for the Prometheus client.
type PrometheusConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PrometheusClient queries a Prometheus-compatible HTTP API.
type PrometheusClient struct {
	config     PrometheusConfig
	httpClient *http.Client
}

// NewPrometheusClient creates a new Prometheus client.
func NewPrometheusClient(config PrometheusConfig) *PrometheusClient {
	return &PrometheusClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type promEnvelope struct {
	Status string   `json:"status"`
	Error  string   `json:"error"`
	Data   promData `json:"data"`
}

type promData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

type promSeries struct {
	Metric map[string]string `json:"metric"`
	Value  []any             `json:"value"`
	Values [][]any           `json:"values"`
}

// QueryScalar evaluates an instant query at the given time and returns the
// value of the first sample.
func (c *PrometheusClient) QueryScalar(ctx context.Context, query string, at time.Time) (float64, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("time", strconv.FormatInt(at.Unix(), 10))

	env, err := c.call(ctx, "/api/v1/query", params)
	if err != nil {
		return 0, err
	}

	switch env.Data.ResultType {
	case "vector":
		var series []promSeries
		if err := json.Unmarshal(env.Data.Result, &series); err != nil {
			return 0, fmt.Errorf("failed to decode vector result: %w", err)
		}
		if len(series) == 0 {
			return 0, ErrNoData
		}
		sample, err := parseSamplePair(series[0].Value)
		if err != nil {
			return 0, err
		}
		return sample.Value, nil
	case "scalar":
		var raw []any
		if err := json.Unmarshal(env.Data.Result, &raw); err != nil {
			return 0, fmt.Errorf("failed to decode scalar result: %w", err)
		}
		sample, err := parseSamplePair(raw)
		if err != nil {
			return 0, err
		}
		return sample.Value, nil
	default:
		return 0, fmt.Errorf("unexpected result type %q for instant query", env.Data.ResultType)
	}
}

// QueryRange evaluates a range query and returns all matching series.
func (c *PrometheusClient) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step.Seconds()), 10))

	env, err := c.call(ctx, "/api/v1/query_range", params)
	if err != nil {
		return nil, err
	}

	if env.Data.ResultType != "matrix" {
		return nil, fmt.Errorf("unexpected result type %q for range query", env.Data.ResultType)
	}

	var raw []promSeries
	if err := json.Unmarshal(env.Data.Result, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode matrix result: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoData
	}

	series := make([]Series, 0, len(raw))
	for _, r := range raw {
		s := Series{
			Labels: r.Metric,
			Points: make([]SamplePair, 0, len(r.Values)),
		}
		for _, v := range r.Values {
			pair, err := parseSamplePair(v)
			if err != nil {
				return nil, err
			}
			s.Points = append(s.Points, pair)
		}
		series = append(series, s)
	}
	return series, nil
}

func (c *PrometheusClient) call(ctx context.Context, path string, params url.Values) (*promEnvelope, error) {
	reqURL := fmt.Sprintf("%s%s?%s", c.config.BaseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, timeoutError(err, "prometheus query")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var env promEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s", env.Error)
	}
	return &env, nil
}

// parseSamplePair decodes the [timestamp, "value"] pair Prometheus uses for
// individual samples.
func parseSamplePair(raw []any) (SamplePair, error) {
	if len(raw) != 2 {
		return SamplePair{}, fmt.Errorf("malformed sample pair: %v", raw)
	}
	ts, ok := raw[0].(float64)
	if !ok {
		return SamplePair{}, fmt.Errorf("malformed sample timestamp: %v", raw[0])
	}
	str, ok := raw[1].(string)
	if !ok {
		return SamplePair{}, fmt.Errorf("malformed sample value: %v", raw[1])
	}
	value, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return SamplePair{}, fmt.Errorf("failed to parse sample value %q: %w", str, err)
	}
	sec, frac := math.Modf(ts)
	return SamplePair{
		At:    time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(),
		Value: value,
	}, nil
}
