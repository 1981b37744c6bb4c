package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"campaignkeeper/faults"
	"campaignkeeper/ledger"
	"campaignkeeper/metadata"
)

const purchaseOp = "purchase"

var liveNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("campaignkeeper/purchase/live"))

// HTTPClient talks to the purchase automation service.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewHTTPClient builds a client for the automation service at baseURL.
func NewHTTPClient(baseURL, authToken string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("purchase: endpoint required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type purchaseRequest struct {
	metadata.Document
	IdempotencyKey string `json:"idempotencyKey"`
}

type purchaseResponse struct {
	MerchantAddress   string `json:"merchantAddress"`
	Amount            string `json:"amount"`
	PurchaseReference string `json:"purchaseReference"`
}

// IdempotencyKey derives the key sent with a purchase so the service can
// recognise a retried request for the same document.
func IdempotencyKey(doc metadata.Document) string {
	return uuid.NewSHA1(liveNamespace, []byte(doc.TokenAddress+"|"+doc.MerchantAddress)).String()
}

func (c *HTTPClient) Purchase(ctx context.Context, doc metadata.Document) (Result, error) {
	key := IdempotencyKey(doc)
	body, err := json.Marshal(purchaseRequest{Document: doc, IdempotencyKey: key})
	if err != nil {
		return Result{}, faults.Internal(purchaseOp, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/purchases", bytes.NewReader(body))
	if err != nil {
		return Result{}, faults.Internal(purchaseOp, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, faults.Transient(purchaseOp, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return Result{}, err
	}
	var out purchaseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, faults.Integrity(purchaseOp, fmt.Errorf("decode response: %w", err))
	}
	merchant, err := ledger.ParseAccountID(out.MerchantAddress)
	if err != nil {
		return Result{}, faults.Integrity(purchaseOp, fmt.Errorf("merchant address: %w", err))
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(out.Amount), 10, 64)
	if err != nil || amount == 0 {
		return Result{}, faults.Integrityf(purchaseOp, "invalid amount %q", out.Amount)
	}
	return Result{MerchantAddress: merchant, Amount: amount, PurchaseReference: out.PurchaseReference}, nil
}

// Ping checks the service health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return faults.Internal("purchase_ping", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transient("purchase_ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return statusError(resp)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return faults.Transient(purchaseOp, err)
	}
	return faults.Reject(purchaseOp, "http"+strconv.Itoa(resp.StatusCode), err)
}
