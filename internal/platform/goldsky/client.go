package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pmindexer/internal/domain"
)

// Client is a GraphQL client for a Goldsky subgraph that mirrors every log
// of the prediction market contract as a contractEvent entity.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Goldsky GraphQL client.
//
// graphqlURL is the subgraph endpoint, e.g.
// "https://api.goldsky.com/api/public/.../subgraphs/prediction-market/gn".
func NewClient(graphqlURL, apiKey string) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SortKey packs a position into the subgraph's single orderable field:
// blockNumber in the high bits, logIndex in the low 32 bits.
func SortKey(pos domain.Position) *big.Int {
	k := new(big.Int).SetUint64(pos.BlockNumber)
	k.Lsh(k, 32)
	return k.Or(k, new(big.Int).SetUint64(pos.LogIndex))
}

const eventsQuery = `
	query ContractEvents($after: BigInt!, $first: Int!) {
		contractEvents(
			first: $first
			orderBy: sortKey
			orderDirection: asc
			where: { sortKey_gt: $after }
		) {
			name
			params
			blockNumber
			blockTimestamp
			transactionHash
			logIndex
			address
		}
	}
`

type contractEvent struct {
	Name            string `json:"name"`
	Params          string `json:"params"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
	LogIndex        string `json:"logIndex"`
	Address         string `json:"address"`
}

// Fetch implements pipeline.Source. Params arrive as a JSON object whose
// integers are decimal strings.
func (c *Client) Fetch(ctx context.Context, after *domain.Position, limit int) ([]domain.RawLog, error) {
	key := big.NewInt(-1)
	if after != nil {
		key = SortKey(*after)
	}
	variables := map[string]any{
		"after": key.String(),
		"first": limit,
	}

	respData, err := c.doQuery(ctx, eventsQuery, variables)
	if err != nil {
		return nil, fmt.Errorf("goldsky: fetch contract events: %w", err)
	}

	var result struct {
		ContractEvents []contractEvent `json:"contractEvents"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("goldsky: decode contract events: %w", err)
	}

	logs := make([]domain.RawLog, 0, len(result.ContractEvents))
	for _, e := range result.ContractEvents {
		raw, err := e.rawLog()
		if err != nil {
			return nil, fmt.Errorf("goldsky: event %s:%s: %w", e.TransactionHash, e.LogIndex, err)
		}
		logs = append(logs, raw)
	}
	return logs, nil
}

func (e contractEvent) rawLog() (domain.RawLog, error) {
	block, err := strconv.ParseUint(e.BlockNumber, 10, 64)
	if err != nil {
		return domain.RawLog{}, fmt.Errorf("block number %q: %w", e.BlockNumber, err)
	}
	logIndex, err := strconv.ParseUint(e.LogIndex, 10, 64)
	if err != nil {
		return domain.RawLog{}, fmt.Errorf("log index %q: %w", e.LogIndex, err)
	}
	ts, err := strconv.ParseInt(e.BlockTimestamp, 10, 64)
	if err != nil {
		return domain.RawLog{}, fmt.Errorf("block timestamp %q: %w", e.BlockTimestamp, err)
	}
	if len(common.FromHex(e.TransactionHash)) != common.HashLength {
		return domain.RawLog{}, fmt.Errorf("transaction hash %q", e.TransactionHash)
	}

	raw := domain.RawLog{
		Name: e.Name,
		Provenance: domain.Provenance{
			BlockNumber:    block,
			BlockTimestamp: time.Unix(ts, 0).UTC(),
			TxHash:         common.HexToHash(e.TransactionHash),
			LogIndex:       logIndex,
			Contract:       common.HexToAddress(e.Address),
		},
	}
	// A malformed params blob is left empty; the decoder rejects the log
	// and the indexer records it.
	var params map[string]any
	if err := json.Unmarshal([]byte(e.Params), &params); err == nil {
		raw.Params = params
	}
	return raw, nil
}

const latestBlockQuery = `query LatestBlock { _meta { block { number } } }`

// LatestBlock returns the newest block the subgraph has indexed. The status
// endpoint reports it as the feed head.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	data, err := c.doQuery(ctx, latestBlockQuery, nil)
	if err != nil {
		return 0, fmt.Errorf("goldsky: latest block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("goldsky: decode latest block: %w", err)
	}
	if result.Meta.Block.Number == 0 {
		return 0, errors.New("goldsky: subgraph reported no indexed block")
	}
	return result.Meta.Block.Number, nil
}

// doQuery executes a GraphQL query against the Goldsky endpoint and returns
// the raw "data" field from the response.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}
