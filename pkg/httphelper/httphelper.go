package httphelper

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultRetryMax = 3
)

// Metrics holds the client side request metrics
type Metrics struct {
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
}

// NewMetrics is a constructor for Metrics. The collectors are registered
// on registerer when it is not nil.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "http request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host", "method"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "number of http requests, sorted by host, method and status",
			},
			[]string{"host", "method", "status"},
		),
	}
	if registerer != nil {
		registerer.MustRegister(m.HTTPRequestDuration, m.HTTPRequests)
	}
	return m
}

type instrumentedTransport struct {
	next    http.RoundTripper
	metrics *Metrics
	since   func(time.Time) time.Duration
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	t.metrics.HTTPRequestDuration.WithLabelValues(req.URL.Host, req.Method).Observe(t.since(start).Seconds())
	t.metrics.HTTPRequests.WithLabelValues(req.URL.Host, req.Method, status).Inc()
	return resp, err
}

type adapter struct {
	logger *logrus.Entry
}

func (a adapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a adapter) Error(s string, i ...interface{}) {
	a.logger.Error(a.format(s, i...))
}

func (a adapter) Info(s string, i ...interface{}) {
	a.logger.Info(a.format(s, i...))
}

func (a adapter) Debug(s string, i ...interface{}) {
	a.logger.Debug(a.format(s, i...))
}

func (a adapter) Warn(s string, i ...interface{}) {
	a.logger.Warn(a.format(s, i...))
}

var _ retryablehttp.LeveledLogger = adapter{}

// ClientOptions configures NewClient
type ClientOptions struct {
	Timeout  time.Duration
	RetryMax int
	Metrics  *Metrics
}

// NewClient returns a client that retries idempotent requests on connection
// errors and server side failures. Requests that mutate state are sent once.
func NewClient(logger *logrus.Entry, opts ClientOptions) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = adapter{logger: logger.WithField("component", "http")}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	retryClient.HTTPClient.Timeout = opts.Timeout
	if opts.Metrics != nil {
		retryClient.HTTPClient.Transport = &instrumentedTransport{
			next:    retryClient.HTTPClient.Transport,
			metrics: opts.Metrics,
			since:   time.Since,
		}
	}
	return &http.Client{
		Transport: &methodRouter{
			retrying: &retryablehttp.RoundTripper{Client: retryClient},
			once:     retryClient.HTTPClient,
		},
	}
}

// methodRouter sends GET and HEAD through the retrying client, any other
// method is sent exactly once.
type methodRouter struct {
	retrying http.RoundTripper
	once     *http.Client
}

func (r *methodRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return r.retrying.RoundTrip(req)
	default:
		return r.once.Do(req)
	}
}

// StatusError is returned by Do when the server answers with an unexpected
// status code
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got unexpected http %d status code from %s: %s", e.StatusCode, e.URL, strings.TrimSpace(string(e.Body)))
}

// Do sends the request and returns the body of a 2xx response.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request to %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: req.URL.Redacted(), StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}
