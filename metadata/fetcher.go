// Package metadata fetches and validates the off-ledger campaign document that
// names the token to buy and the merchant to pay.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"campaignkeeper/faults"
)

const op = "fetch_metadata"

var (
	// ErrTooLarge is returned when the document exceeds the size cap.
	ErrTooLarge = errors.New("metadata: document too large")
	// ErrInvalidDocument is returned when the document fails validation.
	ErrInvalidDocument = errors.New("metadata: invalid document")
)

// DefaultMaxBytes caps documents at 100 KiB.
const DefaultMaxBytes = 100 * 1024

const schemaURL = "https://campaignkeeper.local/schemas/campaign-metadata.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tokenAddress", "merchantAddress"],
  "properties": {
    "tokenAddress": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "merchantAddress": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "website": {"type": "string"},
    "links": {
      "type": "object",
      "properties": {
        "twitter": {"type": "string"},
        "telegram": {"type": "string"},
        "discord": {"type": "string"}
      }
    }
  }
}`

// Links are the optional social links of a campaign.
type Links struct {
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
	Discord  string `json:"discord,omitempty"`
}

// Document is a validated metadata document.
type Document struct {
	TokenAddress    string `json:"tokenAddress"`
	MerchantAddress string `json:"merchantAddress"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	Website         string `json:"website,omitempty"`
	Links           *Links `json:"links,omitempty"`
}

// Fetcher retrieves documents over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	schema   *jsonschema.Schema
}

// NewFetcher compiles the document schema and prepares an HTTP client with
// the given per-request timeout.
func NewFetcher(maxBytes int64, timeout time.Duration) (*Fetcher, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("metadata: add schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("metadata: compile schema: %w", err)
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBytes: maxBytes,
		schema:   schema,
	}, nil
}

// Fetch downloads and validates the document at uri. Oversized, malformed or
// schema-violating documents fail with a data integrity error and must not be
// retried.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (Document, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: uri: %v", ErrInvalidDocument, err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDocument, parsed.Scheme))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Document{}, faults.Internal(op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, faults.Transient(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Document{}, faults.Transient(op, fmt.Errorf("status %d from %s", resp.StatusCode, parsed.Host))
	default:
		return Document{}, faults.Reject(op, "http"+strconv.Itoa(resp.StatusCode), fmt.Errorf("status %d from %s", resp.StatusCode, parsed.Host))
	}
	if resp.ContentLength > f.maxBytes {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: content-length %d exceeds %d", ErrTooLarge, resp.ContentLength, f.maxBytes))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Document{}, faults.Transient(op, err)
	}
	if int64(len(body)) > f.maxBytes {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, f.maxBytes))
	}
	return f.Parse(body)
}

// Parse validates raw against the document schema.
func (f *Fetcher) Parse(raw []byte) (Document, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: %v", ErrInvalidDocument, err))
	}
	if err := f.schema.Validate(generic); err != nil {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: %v", ErrInvalidDocument, err))
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, faults.Integrity(op, fmt.Errorf("%w: %v", ErrInvalidDocument, err))
	}
	doc.TokenAddress = strings.TrimSpace(doc.TokenAddress)
	doc.MerchantAddress = strings.TrimSpace(doc.MerchantAddress)
	return doc, nil
}
