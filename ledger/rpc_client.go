package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"campaignkeeper/faults"
)

const (
	headerPubkey    = "X-Keeper-Pubkey"
	headerSignature = "X-Keeper-Signature"

	maxResponseBytes = 8 << 20
)

// RPCClient implements Client against the ledger node's JSON-RPC endpoint.
type RPCClient struct {
	endpoint  string
	programID AccountID
	authToken string
	signer    Signer
	http      *http.Client
	nextID    atomic.Int64
}

// RPCOption customises an RPCClient.
type RPCOption func(*RPCClient)

// WithAuthToken attaches a bearer token to every request.
func WithAuthToken(token string) RPCOption {
	return func(c *RPCClient) { c.authToken = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the HTTP client. Mostly useful in tests.
func WithHTTPClient(client *http.Client) RPCOption {
	return func(c *RPCClient) {
		if client != nil {
			c.http = client
		}
	}
}

// NewRPCClient constructs a client for the program deployed at programID.
func NewRPCClient(endpoint string, programID AccountID, signer Signer, timeout time.Duration, opts ...RPCOption) (*RPCClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("ledger: endpoint required")
	}
	if programID.IsZero() {
		return nil, errors.New("ledger: program id required")
	}
	if signer == nil {
		return nil, errors.New("ledger: signer required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &RPCClient{
		endpoint:  endpoint,
		programID: programID,
		signer:    signer,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// campaignWire is the JSON shape of a campaign account returned by campaign_list.
type campaignWire struct {
	ID               string `json:"id"`
	Creator          string `json:"creator"`
	PayMint          string `json:"payMint"`
	TargetAmount     string `json:"targetAmount"`
	TotalContributed string `json:"totalContributed"`
	Deadline         int64  `json:"deadline"`
	Status           uint8  `json:"status"`
	MetadataURI      string `json:"metadataUri"`
	MerchantHashSet  bool   `json:"merchantHashSet"`
}

func (w campaignWire) decode() (Campaign, error) {
	var (
		c   Campaign
		err error
	)
	if c.ID, err = ParseAccountID(w.ID); err != nil {
		return c, fmt.Errorf("id: %w", err)
	}
	if c.Creator, err = ParseAccountID(w.Creator); err != nil {
		return c, fmt.Errorf("creator: %w", err)
	}
	if c.PayMint, err = ParseAccountID(w.PayMint); err != nil {
		return c, fmt.Errorf("payMint: %w", err)
	}
	if c.TargetAmount, err = strconv.ParseUint(strings.TrimSpace(w.TargetAmount), 10, 64); err != nil {
		return c, fmt.Errorf("targetAmount: %w", err)
	}
	if c.TotalContributed, err = strconv.ParseUint(strings.TrimSpace(w.TotalContributed), 10, 64); err != nil {
		return c, fmt.Errorf("totalContributed: %w", err)
	}
	c.Status = Status(w.Status)
	if !c.Status.Valid() {
		return c, fmt.Errorf("status: unknown value %d", w.Status)
	}
	c.Deadline = w.Deadline
	c.MetadataURI = strings.TrimSpace(w.MetadataURI)
	c.MerchantHashSet = w.MerchantHashSet
	return c, nil
}

// FetchAllCampaigns lists the program's campaign accounts. Accounts that fail
// to decode are skipped; they are reported through a *PartialListError
// returned alongside the campaigns that did decode.
func (c *RPCClient) FetchAllCampaigns(ctx context.Context) ([]Campaign, error) {
	const op = "campaign_list"
	var wire []campaignWire
	if err := c.call(ctx, op, map[string]string{"programId": c.programID.String()}, &wire); err != nil {
		return nil, err
	}
	campaigns := make([]Campaign, 0, len(wire))
	var invalid []InvalidAccount
	for i, w := range wire {
		campaign, err := w.decode()
		if err != nil {
			invalid = append(invalid, InvalidAccount{
				Index: i,
				ID:    strings.TrimSpace(w.ID),
				Err:   faults.Integrity(op, fmt.Errorf("account %d (%s): %w", i, w.ID, err)),
			})
			continue
		}
		campaigns = append(campaigns, campaign)
	}
	if len(invalid) > 0 {
		return campaigns, &PartialListError{Accounts: invalid}
	}
	return campaigns, nil
}

func (c *RPCClient) SubmitFinalize(ctx context.Context, campaign AccountID) (Receipt, error) {
	return c.submit(ctx, "campaign_finalize", map[string]string{
		"campaign": campaign.String(),
	})
}

func (c *RPCClient) SubmitSetCommitment(ctx context.Context, campaign AccountID, digest [32]byte) (Receipt, error) {
	return c.submit(ctx, "campaign_setMerchantHash", map[string]string{
		"campaign":     campaign.String(),
		"merchantHash": hex.EncodeToString(digest[:]),
	})
}

func (c *RPCClient) SubmitPayout(ctx context.Context, campaign, merchant AccountID, amount uint64) (Receipt, error) {
	return c.submit(ctx, "campaign_payout", map[string]string{
		"campaign": campaign.String(),
		"merchant": merchant.String(),
		"amount":   strconv.FormatUint(amount, 10),
	})
}

func (c *RPCClient) SubmitSetDelegate(ctx context.Context, campaign, delegate AccountID) (Receipt, error) {
	return c.submit(ctx, "campaign_setDelegate", map[string]string{
		"campaign": campaign.String(),
		"delegate": delegate.String(),
	})
}

// Ping checks the node responds to ledger_health.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, "ledger_health", nil, nil)
}

// Close drops idle keep-alive connections held by the transport.
func (c *RPCClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *RPCClient) submit(ctx context.Context, method string, payload interface{}) (Receipt, error) {
	var receipt Receipt
	if err := c.call(ctx, method, payload, &receipt); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(receipt.Signature) == "" {
		return Receipt{}, faults.Integrityf(method, "receipt without signature")
	}
	return receipt, nil
}

func (c *RPCClient) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	params := []interface{}{}
	if payload != nil {
		params = append(params, payload)
	}
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return faults.Internal(method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return faults.Internal(method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerPubkey, c.signer.PublicKey().String())
	req.Header.Set(headerSignature, c.signer.SignRequest(body))
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Transient(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return faults.Transient(method, statusErr)
		}
		return faults.Reject(method, "http"+strconv.Itoa(resp.StatusCode), statusErr)
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&rpcResp); err != nil {
		return faults.Transient(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return classifyRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return faults.Integrityf(method, "empty result")
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return faults.Integrity(method, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func classifyRPCError(method string, obj *jsonRPCErrorObj) error {
	code := obj.Code
	err := fmt.Errorf("rpc error %d: %s", code, obj.Message)
	switch {
	case code >= programErrorBase:
		name := describeProgramError(code)
		err = fmt.Errorf("program error %d", code)
		if programErrorTransient[name] {
			return &faults.Error{Class: faults.ClassTransient, Op: method, Code: name, Err: err}
		}
		return faults.Reject(method, name, err)
	case code == -32603, code <= -32000 && code >= -32099:
		return faults.Transient(method, err)
	default:
		return faults.Reject(method, "rpc"+strconv.Itoa(code), err)
	}
}
