// Package hiroclient provides a read-only chain adapter backed by the Hiro Stacks API.
package hiroclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/logger"
)

// DefaultEndpoint is the public Hiro mainnet API.
const DefaultEndpoint = "https://api.hiro.so"

// txResponse is the subset of /extended/v1/tx/{id} the adapter reads
type txResponse struct {
	TxID          string `json:"tx_id"`
	TxStatus      string `json:"tx_status"`
	TxType        string `json:"tx_type"`
	SenderAddress string `json:"sender_address"`
	ContractCall  *struct {
		ContractID   string `json:"contract_id"`
		FunctionName string `json:"function_name"`
		FunctionArgs []struct {
			Name string `json:"name"`
			Type string `json:"type"`
			Repr string `json:"repr"`
		} `json:"function_args"`
	} `json:"contract_call,omitempty"`
	TokenTransfer *struct {
		RecipientAddress string `json:"recipient_address"`
		Amount           string `json:"amount"`
	} `json:"token_transfer,omitempty"`
}

// blocksResponse is the paginated /extended/v1/block listing, newest first
type blocksResponse struct {
	Results []struct {
		Height uint64 `json:"height"`
	} `json:"results"`
}

// Client reads transactions and chain height from a Stacks API node
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

var _ chain.Adapter = (*Client)(nil)

// New creates a new Hiro API client
func New(endpoint string, timeout time.Duration, logger logger.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(timeout),
		logger:     logger,
	}
}

// SubmitContractCall is not available without a Stacks transaction signer.
func (c *Client) SubmitContractCall(_ context.Context, call chain.ContractCall, _ string, _ *big.Int) (string, error) {
	return "", fmt.Errorf("%w: submit %s", chain.ErrUnsupported, call.Function)
}

// GetTransaction fetches a transaction by id
func (c *Client) GetTransaction(ctx context.Context, txID string) (*chain.TxDetail, error) {
	txID = chain.CanonicalTxID(txID)
	var tx txResponse
	found, err := c.getJSON(ctx, "/extended/v1/tx/"+url.PathEscape(txID), &tx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %v", txID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
	}

	return toTxDetail(&tx), nil
}

// GetCurrentBlockHeight returns the height of the most recent anchored block
func (c *Client) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	var blocks blocksResponse
	found, err := c.getJSON(ctx, "/extended/v1/block?limit=1", &blocks)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch latest block: %v", err)
	}
	if !found || len(blocks.Results) == 0 {
		return 0, fmt.Errorf("failed to fetch latest block: empty response")
	}
	return blocks.Results[0].Height, nil
}

// getJSON performs a GET and decodes the body into out. A 404 returns found=false.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.ErrorWith(logger.Chain, "Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return false, fmt.Errorf("failed to decode response: %v", err)
	}
	return true, nil
}

func toTxDetail(tx *txResponse) *chain.TxDetail {
	detail := &chain.TxDetail{
		TxID:   tx.TxID,
		Sender: tx.SenderAddress,
	}

	switch {
	case tx.TxStatus == "success":
		detail.Status = chain.TxStatusSuccess
	case tx.TxStatus == "pending" || tx.TxStatus == "":
		detail.Status = chain.TxStatusPending
	default:
		// abort_by_response, abort_by_post_condition, dropped_*
		detail.Status = chain.TxStatusFailed
	}

	switch tx.TxType {
	case "contract_call":
		detail.Type = chain.TxTypeContractCall
		if tx.ContractCall != nil {
			detail.Contract = tx.ContractCall.ContractID
			detail.Function = tx.ContractCall.FunctionName
			detail.Args = make(map[string]interface{}, len(tx.ContractCall.FunctionArgs))
			for _, arg := range tx.ContractCall.FunctionArgs {
				detail.Args[arg.Name] = arg.Repr
			}
			for _, name := range []string{"amount", "deposit"} {
				if repr, ok := detail.Args[name].(string); ok {
					if n, ok := parseUintRepr(repr); ok {
						detail.Amount = n
						break
					}
				}
			}
		}
	case "token_transfer":
		detail.Type = chain.TxTypeTokenTransfer
		if tx.TokenTransfer != nil {
			detail.Contract = tx.TokenTransfer.RecipientAddress
			if n, ok := new(big.Int).SetString(tx.TokenTransfer.Amount, 10); ok {
				detail.Amount = n
			}
		}
	default:
		detail.Type = chain.TxTypeOther
	}

	return detail
}

// parseUintRepr parses a Clarity uint repr such as "u1000000".
func parseUintRepr(repr string) (*big.Int, bool) {
	if !strings.HasPrefix(repr, "u") {
		return nil, false
	}
	return new(big.Int).SetString(repr[1:], 10)
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
