// Package billing is the client for the billing service's REST API.
//
// Requests are authenticated CloudStack-style: an apikey query
// parameter plus an HMAC-SHA1 signature over the sorted, lower-cased
// query string. Responses wrap payloads in named envelopes
// ("subscription", "subscriptions", "catalog"); a missing envelope is a
// decode error, not an empty result.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// Client calls the billing API.
type Client struct {
	endpoint        string
	apiKey          string
	secret          string
	serviceInstance string
	httpClient      *http.Client
}

// NewClient builds a billing client. serviceInstance scopes both
// subscription creation and bundle listing to one provisioned service.
func NewClient(endpoint, apiKey, secret, serviceInstance string) *Client {
	return &Client{
		endpoint:        strings.TrimRight(endpoint, "/"),
		apiKey:          apiKey,
		secret:          secret,
		serviceInstance: serviceInstance,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
	}
}

// sign produces the signature for a parameter set. The canonical form
// is the query sorted by key with lower-cased values, HMAC-SHA1 under
// the secret key, base64.
func (c *Client) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := url.QueryEscape(params.Get(k))
		parts = append(parts, strings.ToLower(k)+"="+strings.ToLower(v))
	}
	canonical := strings.Join(parts, "&")

	mac := hmac.New(sha1.New, []byte(c.secret))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do sends one signed request and decodes the JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)
	params.Set("signature", c.sign(params))

	u := c.endpoint + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build billing request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")

	logger.Debug("billing request",
		zap.String("method", method),
		zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewExternalOperationError("BillingUnreachable",
			fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read billing response %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewExternalOperationError("BillingStatus",
			fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(body, 512)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apperrors.DecodeError{Source: "billing", Field: path, Err: err}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
