package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// rpcClient posts JSON-RPC requests to a daemon or wallet endpoint.
// Versions differ by family: bitcoind speaks 1.0 with positional params,
// the CryptoNote wallets speak 2.0 with named params.
type rpcClient struct {
	url     string
	version string
	header  string // optional X-API-KEY value
	http    *http.Client
}

func newRPCClient(url, version string) *rpcClient {
	return &rpcClient{
		url:     url,
		version: version,
		http:    &http.Client{},
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call posts one request and decodes the result field into out.
func (c *rpcClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	request := map[string]interface{}{
		"jsonrpc": c.version,
		"id":      uuid.NewString(),
		"method":  method,
	}
	if params != nil {
		request["params"] = params
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.header != "" {
		req.Header.Set("X-API-KEY", c.header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrRejected, method, resp.StatusCode)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("%w: %s: malformed reply: %v", ErrRejected, method, err)
	}
	if response.Error != nil {
		return fmt.Errorf("%w: %s: %d %s", ErrRejected, method, response.Error.Code, response.Error.Message)
	}

	if out != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, out); err != nil {
			return fmt.Errorf("%w: %s: malformed result: %v", ErrRejected, method, err)
		}
	}

	return nil
}
