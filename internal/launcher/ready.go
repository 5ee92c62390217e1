package launcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
)

// readyPaths must all answer 2xx before the server counts as ready.
var readyPaths = []string{"/", "/docs"}

const (
	readyBaseDelay = 100 * time.Millisecond
	readyMaxDelay  = time.Second
	requestTimeout = 2 * time.Second
)

// dialHost maps a listen host to the address the launcher dials. A
// wildcard listener is reached on loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

// baseURL returns the http URL for a listen address.
func baseURL(host string, port int) string {
	return "http://" + net.JoinHostPort(dialHost(host), strconv.Itoa(port))
}

// waitReady polls every readiness path with exponential backoff until
// each answers 2xx, the timeout elapses, or ctx is done.
func waitReady(ctx context.Context, client *http.Client, base string, timeout time.Duration) error {
	backoff := retry.NewExponential(readyBaseDelay)
	backoff = retry.WithCappedDuration(readyMaxDelay, backoff)
	backoff = retry.WithMaxDuration(timeout, backoff)

	var last error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		for _, path := range readyPaths {
			if err := getOK(ctx, client, base+path); err != nil {
				last = err
				return retry.RetryableError(err)
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil && last != nil {
		return fmt.Errorf("server not ready after %s: %w", timeout, last)
	}
	return err
}

// getOK issues one GET and requires a 2xx status.
func getOK(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}
