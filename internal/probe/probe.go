// Package probe checks whether a deployed service answers on its forwarded
// port and waits for it to come up.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

const DefaultInterval = 5 * time.Second

type Result struct {
	URL        string
	Reachable  bool
	StatusCode int
	Err        error
}

type Prober struct {
	client *http.Client
}

func New(timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{
			Timeout:   timeout,
			Transport: newrelic.NewRoundTripper(http.DefaultTransport),
			// A redirect already proves the port is served.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check issues one GET. Any response below 500 counts as reachable; the
// provider's ingress answers 5xx while the container is still starting.
func (p *Prober) Check(ctx context.Context, url string) Result {
	res := Result{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err
		return res
	}

	resp, err := p.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Reachable = resp.StatusCode < http.StatusInternalServerError
	return res
}

// WaitUntilReachable checks immediately and then every interval until the
// service answers or ctx is done. onAttempt, if set, sees every result.
func (p *Prober) WaitUntilReachable(ctx context.Context, url string, interval time.Duration, onAttempt func(Result)) (Result, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res := p.Check(ctx, url)
		if onAttempt != nil {
			onAttempt(res)
		}
		if res.Reachable {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
