package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// TryCloudflarePattern matches the address printed by a quick cloudflared
// tunnel.
var TryCloudflarePattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// cloudflared mentions its own API endpoint in error lines.
var notTunnelURLs = map[string]bool{
	"https://api.trycloudflare.com": true,
}

func findURL(pattern *regexp.Regexp, line string) string {
	for _, u := range pattern.FindAllString(line, -1) {
		if !notTunnelURLs[u] {
			return u
		}
	}
	return ""
}

// DiscoverURL scans r line by line for the first match of pattern. It gives
// up with ErrURLNotFound when r ends, when timeout elapses or when ctx is
// done. A timeout of zero relies on ctx alone.
//
// The stream keeps being drained in the background until it ends, so a
// process writing to it never blocks on a full pipe. Callers stop the writer
// to end the drain.
func DiscoverURL(ctx context.Context, r io.Reader, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	found := make(chan string, 1)
	ended := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		matched := false
		for sc.Scan() {
			if matched {
				continue
			}
			if u := findURL(pattern, sc.Text()); u != "" {
				matched = true
				found <- u
			}
		}
		if !matched {
			ended <- sc.Err()
		}
		// Keep draining past lines the scanner rejects.
		io.Copy(io.Discard, r)
	}()

	select {
	case u := <-found:
		return u, nil
	case err := <-ended:
		if err != nil {
			return "", fmt.Errorf("%w: output ended: %w", ErrURLNotFound, err)
		}
		return "", fmt.Errorf("%w: output ended", ErrURLNotFound)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrURLNotFound, ctx.Err())
	}
}
