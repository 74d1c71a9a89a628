package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"rent-ledger-go/internal/retry"

	"golang.org/x/time/rate"
)

const DefaultIndexerURL = "https://mempool.space/api"

// Observation is what the chain shows for one address at poll time.
type Observation struct {
	// ReceivedSatoshis counts confirmed and mempool outputs paying the address.
	ReceivedSatoshis int64
	// Confirmations is the lowest confirmation count among the funding
	// transactions, zero while any of them is still in the mempool.
	Confirmations int
	TxId          string
}

// Seen reports whether any transaction pays the address.
func (o Observation) Seen() bool {
	return o.ReceivedSatoshis > 0
}

// Indexer reads address activity from a public blockchain index.
type Indexer interface {
	Observe(ctx context.Context, address string) (*Observation, error)
	TipHeight(ctx context.Context) (int64, error)
}

// MempoolIndexer talks to the mempool.space (Esplora) REST API.
type MempoolIndexer struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Policy
}

func NewMempoolIndexer(baseURL string, client *http.Client, perSecond float64) *MempoolIndexer {
	if baseURL == "" {
		baseURL = DefaultIndexerURL
	}
	if perSecond <= 0 {
		perSecond = 2
	}
	return &MempoolIndexer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		retry:   retry.DefaultPolicy(),
	}
}

type esploraStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	TxCount      int64 `json:"tx_count"`
}

type esploraAddress struct {
	ChainStats   esploraStats `json:"chain_stats"`
	MempoolStats esploraStats `json:"mempool_stats"`
}

type esploraTx struct {
	TxId   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
}

func (m *MempoolIndexer) Observe(ctx context.Context, address string) (*Observation, error) {
	var summary esploraAddress
	if err := m.getJSON(ctx, "/address/"+address, &summary); err != nil {
		return nil, err
	}
	obs := &Observation{
		ReceivedSatoshis: summary.ChainStats.FundedTxoSum + summary.MempoolStats.FundedTxoSum,
	}
	if !obs.Seen() {
		return obs, nil
	}

	var txs []esploraTx
	if err := m.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}

	var tip int64
	minConfs := -1
	// Newest first; walk backwards so TxId is the earliest funding transaction.
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if !paysTo(tx, address) {
			continue
		}
		if obs.TxId == "" {
			obs.TxId = tx.TxId
		}
		confs := 0
		if tx.Status.Confirmed {
			if tip == 0 {
				var err error
				if tip, err = m.TipHeight(ctx); err != nil {
					return nil, err
				}
			}
			confs = int(tip - tx.Status.BlockHeight + 1)
			if confs < 0 {
				confs = 0
			}
		}
		if minConfs < 0 || confs < minConfs {
			minConfs = confs
		}
	}
	if minConfs > 0 {
		obs.Confirmations = minConfs
	}
	return obs, nil
}

func paysTo(tx esploraTx, address string) bool {
	for _, out := range tx.Vout {
		if out.Address == address && out.Value > 0 {
			return true
		}
	}
	return false
}

func (m *MempoolIndexer) TipHeight(ctx context.Context) (int64, error) {
	body, err := m.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tip height %q: %w", string(body), err)
	}
	return height, nil
}

func (m *MempoolIndexer) getJSON(ctx context.Context, path string, out interface{}) error {
	body, err := m.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// get retries 429, 5xx and transport failures. Every attempt waits on the
// rate limiter.
func (m *MempoolIndexer) get(ctx context.Context, path string) ([]byte, error) {
	return retry.DoValue(ctx, m.retry, "indexer"+path, func() ([]byte, error) {
		return m.getOnce(ctx, path)
	})
}

func (m *MempoolIndexer) getOnce(ctx context.Context, path string) ([]byte, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		err = fmt.Errorf("indexer request %s failed: %w", path, err)
		if retry.IsNetworkError(err) {
			return nil, retry.Transient(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("indexer %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		if retry.RetryableStatus(resp.StatusCode) {
			return nil, retry.Transient(err)
		}
		return nil, err
	}
	return body, nil
}
