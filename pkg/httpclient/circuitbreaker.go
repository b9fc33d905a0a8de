package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerConfig configures the breaker in front of one downstream.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics, e.g. "catalog".
	Name string

	// MaxRequests is how many trial requests the half-open state lets through.
	MaxRequests uint32

	// Interval clears the closed-state counts; 0 never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// FailureRatio trips the breaker once MinRequests have been counted.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultCircuitBreakerConfig returns the breaker settings used for catalog
// and order lookups.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = gobreaker.ErrOpenState

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "travelcart_circuit_breaker_state",
			Help: "Downstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelcart_circuit_breaker_rejected_total",
			Help: "Calls rejected without reaching the downstream",
		},
		[]string{"name"},
	)
)

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// CircuitBreakerClient wraps a Client with circuit breaker protection.
type CircuitBreakerClient struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
	name    string
}

// NewCircuitBreakerClient puts a breaker in front of client.
func NewCircuitBreakerClient(client *Client, cbCfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cbCfg.Name,
		MaxRequests: cbCfg.MaxRequests,
		Interval:    cbCfg.Interval,
		Timeout:     cbCfg.Timeout,
		// A caller giving up is not a downstream failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cbCfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cbCfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	breakerState.WithLabelValues(cbCfg.Name).Set(0)

	return &CircuitBreakerClient{
		client:  client,
		breaker: breaker,
		logger:  logger,
		name:    cbCfg.Name,
	}
}

// Do executes an HTTP request through the circuit breaker. Transport errors
// and exhausted 5xx retries count as failures; 4xx responses do not. While
// the circuit is open the call fails fast with ErrCircuitOpen.
func (c *CircuitBreakerClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.client.Do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			breakerRejected.WithLabelValues(c.name).Inc()
			c.logger.DebugContext(ctx, "call rejected by circuit breaker", slog.String("breaker", c.name))
		}
		return nil, err
	}
	return resp, nil
}

// Get performs an HTTP GET request through the circuit breaker.
func (c *CircuitBreakerClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	return c.Do(ctx, req)
}

// State returns the current state of the circuit breaker.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}
