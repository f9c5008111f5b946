package whttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
)

// Error kinds surfaced to retry logic. Callers match with errors.Is /
// errors.As to decide how a failed fetch should be handled.
var (
	ErrTimeout   = errors.New("network timeout")
	ErrConnReset = errors.New("connection reset")
	ErrDNS       = errors.New("dns resolution failed")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

type Header struct {
	Name  string
	Value string
}

type Request struct {
	URL     string
	Method  string
	Headers []Header
}

type Response struct {
	StatusCode int
	Body       string
	HTMLTitle  string
}

// defaultTimeout applies when the caller passes a zero timeout.
const defaultTimeout = 30 * time.Second

// Fetch performs a single HTTP request with a hard wall-clock deadline.
// The deadline is enforced by racing the transport against our own timer,
// so a hung DNS lookup, TLS handshake or socket read cannot starve it even
// if client-level timeouts fail to fire. No retries happen at this layer.
func Fetch(ctx context.Context, wReq *Request, timeout time.Duration, client *http.Client) (*Response, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}

	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, wReq.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0")
	req.Header.Set("Cache-Control", "no-transform")
	req.Header.Set("Accept-Language", "en")
	for _, h := range wReq.Headers {
		req.Header.Add(h.Name, h.Value)
	}

	type result struct {
		res *Response
		err error
	}

	done := make(chan result, 1)
	go func() {
		res, err := send(client, req)
		done <- result{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(r.err)
		}
		return r.res, nil
	case <-timer.C:
		cancel() // abort the in-flight transport call
		return nil, fmt.Errorf("%w: no response from %s within %s", ErrTimeout, wReq.URL, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func send(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body := string(bodyBytes)
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("empty response body from %s", req.URL)
	}

	wRes := &Response{StatusCode: resp.StatusCode, Body: body}
	if title, ok := htmlTitle(body); ok {
		wRes.HTMLTitle = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(title, "\n", ""), "\r", ""))
	}
	return wRes, nil
}

// classify maps transport errors onto the package error kinds so callers
// can tell a reset from a DNS failure from a socket timeout.
func classify(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrDNS, err)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrConnReset, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return err
	}
	return err
}

func htmlTitle(body string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	return traverse(doc)
}

func traverse(n *html.Node) (string, bool) {
	if n.Type == html.ElementNode && n.Data == "title" {
		if n.FirstChild != nil {
			return n.FirstChild.Data, true
		}
		return "", true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if result, ok := traverse(c); ok {
			return result, ok
		}
	}
	return "", false
}
