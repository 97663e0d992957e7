package health

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// probeHTTP issues a single GET to the configured health path, treating
// any non-2xx status or timeout as unhealthy (spec.md §4.6 step 3). It
// uses retryablehttp's client purely for its sane transport defaults and
// logging hook; retries are disabled since the health loop itself is the
// retry mechanism at the cluster level.
func probeHTTP(port int, path string, timeout time.Duration) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = timeout

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %s", strconv.Itoa(resp.StatusCode))
	}
	return nil
}
