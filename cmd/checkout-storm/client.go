package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

// callResult — то, что важно шторму из ответа API.
type callResult struct {
	status  int
	code    string
	orderID string
}

// label — ключ для счётчика кодов: код ошибки API или HTTP-статус.
func (r callResult) label(err error) string {
	switch {
	case err != nil:
		return "TRANSPORT_ERROR"
	case r.code != "":
		return r.code
	default:
		return strconv.Itoa(r.status)
	}
}

type stormClient interface {
	CreateOrder(ctx context.Context, idempotencyKey string, in orders.CreateOrderInput) (callResult, error)
	CancelOrder(ctx context.Context, orderID, reason string) (callResult, error)
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newHTTPClient(baseURL, token string, timeout time.Duration) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) CreateOrder(ctx context.Context, idempotencyKey string, in orders.CreateOrderInput) (callResult, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/orders", idempotencyKey, in)
}

func (c *httpClient) CancelOrder(ctx context.Context, orderID, reason string) (callResult, error) {
	return c.do(ctx, http.MethodPatch, "/api/v1/orders/"+orderID+"/cancel", "", orders.CancelInput{Reason: reason})
}

func (c *httpClient) do(ctx context.Context, method, path, idempotencyKey string, body interface{}) (callResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return callResult{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return callResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		req.Header.Set(httpapi.IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return callResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return callResult{status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return parseResponse(resp.StatusCode, raw), nil
}

func parseResponse(status int, raw []byte) callResult {
	result := callResult{status: status}
	if status >= http.StatusBadRequest {
		var envelope httpapi.ErrorResponse
		if err := json.Unmarshal(raw, &envelope); err == nil {
			result.code = envelope.Error.Code
		}
		return result
	}

	var order struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &order); err == nil {
		result.orderID = order.ID
	}
	return result
}
