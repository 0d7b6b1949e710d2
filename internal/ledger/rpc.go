package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/recircle-data/sortbridge/internal/httputil"
	"github.com/recircle-data/sortbridge/internal/monitoring"
)

// RPCClient talks JSON-RPC 2.0 to a ledger node over HTTP. It implements
// Client for the standard eth_blockNumber / eth_getLogs surface.
type RPCClient struct {
	url     string
	address string
	topic   string
	doer    httputil.Doer
	nextID  int
}

// NewRPCClient creates a ledger client for the node at url, filtering logs
// emitted by the contract at address with the given event signature, e.g.
// "Purchase(uint256,address,uint256)". A nil doer uses http.DefaultClient.
func NewRPCClient(url, address, eventSignature string, doer httputil.Doer) *RPCClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &RPCClient{
		url:     url,
		address: address,
		topic:   EventTopic(eventSignature),
		doer:    doer,
	}
}

// EventTopic returns the 0x-prefixed Keccak-256 hash of an event signature,
// the value ledgers store as a log's first topic.
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Topic returns the event topic hash this client filters on.
func (c *RPCClient) Topic() string {
	return c.topic
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}

	return json.Unmarshal(rpcResp.Result, result)
}

// CurrentPosition returns the ledger tip via eth_blockNumber.
func (c *RPCClient) CurrentPosition(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

type logFilter struct {
	FromBlock string   `json:"fromBlock"`
	ToBlock   string   `json:"toBlock"`
	Address   string   `json:"address,omitempty"`
	Topics    []string `json:"topics"`
}

type rawLogJSON struct {
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

// Logs fetches matching logs for the inclusive range [from, to] via
// eth_getLogs. The node returns them in position order, which callers rely
// on for dispatch ordering.
func (c *RPCClient) Logs(ctx context.Context, from, to uint64) ([]RawLog, error) {
	filter := logFilter{
		FromBlock: fmt.Sprintf("0x%x", from),
		ToBlock:   fmt.Sprintf("0x%x", to),
		Address:   c.address,
		Topics:    []string{c.topic},
	}

	var raw []rawLogJSON
	if err := c.call(ctx, "eth_getLogs", []interface{}{filter}, &raw); err != nil {
		return nil, err
	}

	logs := make([]RawLog, 0, len(raw))
	for _, r := range raw {
		pos, err := parseHexUint(r.BlockNumber)
		if err != nil {
			monitoring.Logf("skipping log with bad block number %q: %v", r.BlockNumber, err)
			continue
		}
		logs = append(logs, RawLog{
			Position: pos,
			TxHash:   r.TxHash,
			Topics:   r.Topics,
			Data:     r.Data,
		})
	}
	return logs, nil
}

// Decode extracts a purchase Event from a raw log. The expected layout is
// topic0 = event signature, topic1 = subject id, topic2 = actor address,
// data = amount.
func (c *RPCClient) Decode(raw RawLog) (*Event, bool) {
	if len(raw.Topics) < 3 || !strings.EqualFold(raw.Topics[0], c.topic) {
		return nil, false
	}

	subject, ok := parseHexBig(raw.Topics[1])
	if !ok {
		return nil, false
	}

	actor, ok := topicToAddress(raw.Topics[2])
	if !ok {
		return nil, false
	}

	amount, ok := parseHexBig(raw.Data)
	if !ok {
		return nil, false
	}

	return &Event{
		SubjectID: subject.String(),
		Actor:     actor,
		Amount:    amount,
	}, true
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	var n uint64
	if _, err := fmt.Sscanf(s, "%x", &n); err != nil {
		return 0, fmt.Errorf("bad hex quantity %q: %v", s, err)
	}
	return n, nil
}

func parseHexBig(s string) (*big.Int, bool) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 16)
	return n, ok
}

// topicToAddress extracts the 20-byte address from a 32-byte padded topic.
func topicToAddress(topic string) (string, bool) {
	t := strings.TrimPrefix(topic, "0x")
	if len(t) != 64 {
		return "", false
	}
	return "0x" + strings.ToLower(t[24:]), true
}
