package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/idna"
)

const (
	httpTimeout     = 30 * time.Second
	maxResponseBody = 10_000
	maxFetchBytes   = 1 << 20
)

var errForbiddenAddress = errors.New("address not allowed")

// httpTool performs outbound requests that may not reach private networks.
type httpTool struct {
	client   *http.Client
	checkURL func(ctx context.Context, u *url.URL) error
}

func newHTTPTool(client *http.Client) Tool {
	t := &httpTool{client: client, checkURL: checkPublicURL}
	if t.client == nil {
		t.client = safeHTTPClient(httpTimeout)
	}
	return t
}

func (t *httpTool) Name() string { return "http_request" }

func (t *httpTool) Description() string {
	return "Send a GET, HEAD or POST request to a public http(s) URL. HTML bodies are reduced to text."
}

func (t *httpTool) Parameters() map[string]interface{} {
	return Schema([]Prop{
		{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
		{Name: "method", Type: "string", Description: "HTTP method", Enum: []string{"GET", "HEAD", "POST"}},
		{Name: "data", Type: "object", Description: "JSON body for POST"},
	})
}

func (t *httpTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	raw, bad := requireString(args, "url")
	if bad != nil {
		return *bad
	}
	method := strings.ToUpper(argString(args, "method", http.MethodGet))
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return Fail(CodeInvalidParams, "unsupported method %q", method)
	}

	u, err := normalizeURL(raw)
	if err != nil {
		return Fail(CodeURLForbidden, "forbidden URL: %v", err)
	}
	if err := t.checkURL(ctx, u); err != nil {
		return Fail(CodeURLForbidden, "forbidden URL: %v", err)
	}

	var body io.Reader
	if method == http.MethodPost {
		if data, ok := args["data"]; ok && data != nil {
			encoded, err := json.Marshal(data)
			if err != nil {
				return Fail(CodeInvalidParams, "cannot encode data: %v", err)
			}
			body = bytes.NewReader(encoded)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Fail(CodeHTTPError, "%s", err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "orchestrator/http_request")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, errForbiddenAddress) {
			return Fail(CodeURLForbidden, "forbidden URL: %v", err)
		}
		return Fail(CodeHTTPError, "%s", err.Error())
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Fail(CodeHTTPError, "reading body: %v", err)
	}
	text := string(payload)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		text = extractText(text)
	}
	truncated := len(text) > maxResponseBody
	if truncated {
		text = text[:maxResponseBody]
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	res := OK(map[string]interface{}{
		"url":          u.String(),
		"status_code":  resp.StatusCode,
		"content_type": contentType,
		"headers":      headers,
		"body":         text,
	})
	res.Meta.Truncated = truncated
	return res
}

// normalizeURL parses raw, keeps only http(s) and converts the host to its ASCII form.
func normalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, errors.New("credentials in URL not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("missing host")
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("invalid host %q: %v", host, err)
		}
		host = ascii
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	return u, nil
}

// checkPublicURL rejects hosts that are, or resolve to, non-public addresses.
func checkPublicURL(ctx context.Context, u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", errForbiddenAddress, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		// Unresolvable hosts fail at dial time; the dialer re-checks the address.
		return nil
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(), ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return fmt.Errorf("%w: %s", errForbiddenAddress, ip)
	}
	return nil
}

// safeHTTPClient checks the connected address as well, so DNS answers that change
// between the check and the dial cannot reach a private network.
func safeHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("%w: %s", errForbiddenAddress, host)
			}
			return checkIP(ip)
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("redirect to scheme %q not allowed", req.URL.Scheme)
			}
			return nil
		},
	}
}

// extractText returns the visible text of an HTML document with whitespace collapsed.
func extractText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if isHiddenTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isHiddenTag(string(name)) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHiddenTag(name string) bool {
	switch name {
	case "script", "style", "noscript", "template", "head":
		return true
	}
	return false
}
