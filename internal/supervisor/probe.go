package supervisor

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/kehao95/sandcastle/internal/config"
)

// ProbeResult is one readiness check.
type ProbeResult struct {
	StatusCode int
	Title      string // <title> of an HTML response, if any
}

// Ready reports whether the server answered without a server error.
func (r ProbeResult) Ready() bool {
	return r.StatusCode > 0 && r.StatusCode < 500
}

// Prober checks whether a URL is being served.
type Prober interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// HTTPProber probes with a plain GET.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber returns a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	res := ProbeResult{StatusCode: resp.StatusCode}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/html" {
		res.Title = pageTitle(io.LimitReader(resp.Body, 256*1024))
	}
	return res, nil
}

// pageTitle returns the text of the first <title> element.
func pageTitle(r io.Reader) string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			if z.Next() == html.TextToken {
				return strings.TrimSpace(string(z.Text()))
			}
			return ""
		}
	}
}

// waitReady polls url up to policy.MaxAttempts times, policy.Interval
// apart. It returns the first ready result.
func waitReady(ctx context.Context, p Prober, url string, policy config.HealthPolicy) (ProbeResult, bool) {
	var last ProbeResult
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(policy.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return last, false
			case <-t.C:
			}
		}
		res, err := p.Probe(ctx, url)
		if err == nil && res.Ready() {
			return res, true
		}
		last = res
	}
	return last, false
}

// livenessCommand exits 0 only for a running pid. A zombie still answers
// kill -0, so its /proc state is checked too.
func livenessCommand(pid int) string {
	return fmt.Sprintf("kill -0 %d && ! grep -q '^State:.*Z' /proc/%d/status", pid, pid)
}

func killCommand(pid int) string {
	return fmt.Sprintf("kill -9 %d 2>/dev/null; true", pid)
}

// reclaimCommand kills whatever listens on port. Listeners are found
// through /proc/net/tcp, so neither fuser nor lsof is needed. It always
// exits 0.
func reclaimCommand(port int) string {
	return fmt.Sprintf(`for i in $(awk '$2 ~ /:%04X$/ && $4 == "0A" {print $10}' /proc/net/tcp /proc/net/tcp6 2>/dev/null); do `+
		`for fd in /proc/[0-9]*/fd/*; do `+
		`if [ "$(readlink "$fd" 2>/dev/null)" = "socket:[$i]" ]; then p=${fd#/proc/}; kill -9 "${p%%%%/*}" 2>/dev/null; fi; `+
		`done; done; true`, port)
}

func healthURL(base, path string) string {
	if path == "" || path == "/" {
		return base
	}
	return strings.TrimRight(base, "/") + path
}
