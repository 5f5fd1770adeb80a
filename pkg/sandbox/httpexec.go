package sandbox

import (
	"context"
	"io"
	"net/http"
	"time"
)

// httpResult is the raw outcome of one HTTP tool call.
type httpResult struct {
	statusCode int
	body       string
	timedOut   bool
	err        error
}

// runHTTP performs an HTTP tool call with the per-tool timeout and a
// capped response body.
func runHTTP(ctx context.Context, client *http.Client, method, url string, headers map[string]string, timeout time.Duration, bodyCap int) httpResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(runCtx, method, url, nil)
	if err != nil {
		return httpResult{err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return httpResult{timedOut: true, err: err}
		}
		return httpResult{err: err}
	}
	defer resp.Body.Close()

	capped := newCappedBuffer(bodyCap)
	if _, err := io.Copy(capped, io.LimitReader(resp.Body, int64(bodyCap)+1)); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return httpResult{statusCode: resp.StatusCode, timedOut: true, err: err}
		}
		return httpResult{statusCode: resp.StatusCode, err: err}
	}

	return httpResult{statusCode: resp.StatusCode, body: capped.String()}
}
