package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spend-anomalies/internal/ledger"
)

// HTTPOptions parameterise the bill-extraction source.
type HTTPOptions struct {
	URL       string
	Token     string
	Timeout   time.Duration
	UserAgent string
	Location  *time.Location
}

// HTTPSource pulls extracted transactions from a bill-extraction service.
// The service answers GET with either a JSON array of records or an object
// holding them under "transactions".
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs an HTTP source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the source in logs.
func (s *HTTPSource) Name() string {
	return "http:" + s.opts.URL
}

// Fetch retrieves and normalises the current batch.
func (s *HTTPSource) Fetch(ctx context.Context) ([]ledger.Transaction, error) {
	if strings.TrimSpace(s.opts.URL) == "" {
		return nil, errors.New("ingest.url is required for http source")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spendwatch/1.0")
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	records, err := decodeRecords(payload)
	if err != nil {
		return nil, err
	}

	txns := make([]ledger.Transaction, 0, len(records))
	for i, rec := range records {
		txn, err := rec.ToTransaction(s.opts.Location, i)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		txns = append(txns, txn)
	}
	s.logger.Debug().Str("url", s.opts.URL).Int("transactions", len(txns)).Msg("extraction batch loaded")
	return txns, nil
}

type recordEnvelope struct {
	Transactions []Record `json:"transactions"`
}

func decodeRecords(payload []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return records, nil
	}
	var env recordEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return env.Transactions, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("extraction api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("extraction api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("extraction api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("extraction api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
