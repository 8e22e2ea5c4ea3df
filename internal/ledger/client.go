package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

type ClientConfig struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	RetryMaxElapsed  time.Duration
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	cfg     ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg: cfg,
	}
}

var _ Gateway = (*Client)(nil)

// statusError carries a non-2xx gateway response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ledger gateway returned %d: %s", e.status, e.body)
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMaxInterval
	b.MaxElapsedTime = c.cfg.RetryMaxElapsed
	return backoff.WithContext(b, ctx)
}

// retryRead retries op on transport errors, 5xx and 429. Other 4xx are final.
func (c *Client) retryRead(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		var se *statusError
		if errors.As(err, &se) && se.status < 500 && se.status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", what).Dur("retryIn", wait).Msg("ledger read failed, retrying")
	})
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.client.Do(req)
}

func decodeOrStatus(resp *http.Response, dest any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// QueryChannel reports whether the channel entry exists on the ledger and its
// balance. A 404 means the entry is absent.
func (c *Client) QueryChannel(ctx context.Context, ledgerChannelID string) (ChannelState, error) {
	var state ChannelState
	err := c.retryRead(ctx, "query_channel", func() error {
		resp, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(ledgerChannelID), nil)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			state = ChannelState{}
			return nil
		}
		state = ChannelState{}
		return decodeOrStatus(resp, &state)
	})
	if err != nil {
		return ChannelState{}, fmt.Errorf("query channel %s: %w", ledgerChannelID, err)
	}

	log.Debug().
		Str("ledgerChannelId", ledgerChannelID).
		Bool("exists", state.Exists).
		Str("balance", state.Balance.String()).
		Msg("ledger channel queried")

	return state, nil
}

type submitResponse struct {
	TxRef string `json:"txRef"`
}

// SubmitSettlement hands the settlement to the gateway exactly once. A 4xx
// answer is a definitive rejection and wraps ErrRejected; everything else
// leaves the outcome unknown.
func (c *Client) SubmitSettlement(ctx context.Context, req SettlementRequest) (string, error) {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodPost, "/settlements", req)
	if err != nil {
		log.Error().Err(err).Str("ledgerChannelId", req.LedgerChannelID).Dur("elapsed", time.Since(start)).Msg("settlement submission error")
		return "", fmt.Errorf("submit settlement: %w", err)
	}

	var out submitResponse
	if err := decodeOrStatus(resp, &out); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status >= 400 && se.status < 500 && se.status != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %s", ErrRejected, se.Error())
		}
		return "", fmt.Errorf("submit settlement: %w", err)
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("submit settlement: gateway returned no transaction reference")
	}

	log.Info().
		Str("ledgerChannelId", req.LedgerChannelID).
		Str("txRef", out.TxRef).
		Str("signer", string(req.Signer)).
		Dur("elapsed", time.Since(start)).
		Msg("settlement submitted")

	return out.TxRef, nil
}

// QueryTransaction reports validation and result of a submitted transaction.
// An unknown reference is reported as not yet validated.
func (c *Client) QueryTransaction(ctx context.Context, txRef string) (TxStatus, error) {
	var status TxStatus
	err := c.retryRead(ctx, "query_transaction", func() error {
		resp, err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(txRef), nil)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			status = TxStatus{}
			return nil
		}
		status = TxStatus{}
		return decodeOrStatus(resp, &status)
	})
	if err != nil {
		return TxStatus{}, fmt.Errorf("query transaction %s: %w", txRef, err)
	}
	return status, nil
}
