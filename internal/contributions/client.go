package contributions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public League of Kingdoms API root.
	DefaultBaseURL       = "https://api-lok-live.leagueofkingdoms.com/api"
	defaultFetchTimeout  = 15 * time.Second
	contributionPath     = "/stat/land/contribution"
	maxResponseBodyBytes = 8 << 20
)

var errMalformedBody = errors.New("contributions: malformed response body")

// ContributionFetcher fetches per-kingdom contribution figures for a terrain over an inclusive day range.
type ContributionFetcher interface {
	Fetch(ctx context.Context, terrainID TerrainID, from, to Date) ([]KingdomContribution, error)
}

// LandClientConfig describes how to reach the external contribution API.
type LandClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// LandClient calls the land contribution endpoint and normalizes its responses.
type LandClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewLandClient constructs a client; an empty base URL falls back to DefaultBaseURL.
func NewLandClient(cfg LandClientConfig) (*LandClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("contributions: invalid base url %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LandClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Fetch requests contributions for terrainID between from and to inclusive.
// With from == to the feed is taken to report that single day's contribution,
// not a running total; the collector relies on this.
func (c *LandClient) Fetch(ctx context.Context, terrainID TerrainID, from, to Date) ([]KingdomContribution, error) {
	endpoint := c.endpoint(terrainID, from, to)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, &NetworkError{URL: endpoint, Err: err}
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &NetworkError{URL: endpoint, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64))
		return nil, &NetworkError{URL: endpoint, StatusCode: response.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, &NetworkError{URL: endpoint, Err: err}
	}

	entries, skipped, err := normalizeContributions(body)
	if errors.Is(err, ErrUnrecognizedResponseShape) {
		c.logger.Warn("unrecognized contribution response shape",
			zap.String("terrain_id", terrainID.String()),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return []KingdomContribution{}, nil
	}
	if err != nil {
		return nil, &NetworkError{URL: endpoint, Err: err}
	}

	if skipped > 0 {
		c.logger.Warn("contribution entries dropped",
			zap.String("terrain_id", terrainID.String()),
			zap.Int("skipped", skipped))
	}
	c.logger.Debug("contribution feed fetched",
		zap.String("terrain_id", terrainID.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("kingdoms", len(entries)))
	return entries, nil
}

func (c *LandClient) endpoint(terrainID TerrainID, from, to Date) string {
	query := url.Values{}
	query.Set("landId", terrainID.String())
	query.Set("from", from.String())
	query.Set("to", to.String())
	return c.baseURL + contributionPath + "?" + query.Encode()
}

type contributionEntry struct {
	KingdomID flexString `json:"kingdomId"`
	Name      string     `json:"name"`
	Continent flexString `json:"continent"`
	Total     flexNumber `json:"total"`
}

// contributionEnvelope keeps result raw: the feed sends it either as an object holding
// the list or as a plain success flag beside a top-level list.
type contributionEnvelope struct {
	Result       json.RawMessage `json:"result"`
	Contribution json.RawMessage `json:"contribution"`
}

type resultEnvelope struct {
	Contribution json.RawMessage `json:"contribution"`
}

// nestedContribution returns result.contribution when result is an object carrying a list.
func (e contributionEnvelope) nestedContribution() (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(e.Result)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var nested resultEnvelope
	if err := json.Unmarshal(trimmed, &nested); err != nil {
		return nil, false
	}
	return nested.Contribution, isJSONArray(nested.Contribution)
}

// NormalizeContributions accepts the known container shapes of the feed
// (result.contribution, contribution, or a bare list) and returns uniform entries.
// It returns ErrUnrecognizedResponseShape for well-formed JSON in any other shape.
func NormalizeContributions(body []byte) ([]KingdomContribution, error) {
	entries, _, err := normalizeContributions(body)
	return entries, err
}

func normalizeContributions(body []byte) ([]KingdomContribution, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, ErrUnrecognizedResponseShape
	}
	if !json.Valid(trimmed) {
		return nil, 0, errMalformedBody
	}

	var list json.RawMessage
	switch trimmed[0] {
	case '[':
		list = trimmed
	case '{':
		var envelope contributionEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, 0, ErrUnrecognizedResponseShape
		}
		nested, ok := envelope.nestedContribution()
		switch {
		case ok:
			list = nested
		case isJSONArray(envelope.Contribution):
			list = envelope.Contribution
		default:
			return nil, 0, ErrUnrecognizedResponseShape
		}
	default:
		return nil, 0, ErrUnrecognizedResponseShape
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(list, &rawEntries); err != nil {
		return nil, 0, ErrUnrecognizedResponseShape
	}

	entries := make([]KingdomContribution, 0, len(rawEntries))
	skipped := 0
	for _, rawEntry := range rawEntries {
		var entry contributionEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			skipped++
			continue
		}
		kingdomID, err := NewKingdomID(string(entry.KingdomID))
		if err != nil {
			skipped++
			continue
		}
		total := float64(entry.Total)
		if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
			skipped++
			continue
		}
		entries = append(entries, KingdomContribution{
			KingdomID: kingdomID,
			Name:      strings.TrimSpace(entry.Name),
			Continent: strings.TrimSpace(string(entry.Continent)),
			Total:     total,
		})
	}
	return entries, skipped, nil
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*s = flexString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*s = flexString(number.String())
	return nil
}

// flexNumber accepts a JSON number or a numeric string.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*n = 0
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		*n = flexNumber(parsed)
		return nil
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return err
	}
	*n = flexNumber(value)
	return nil
}
