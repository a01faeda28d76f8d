package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// maxGammaPages caps pagination per ActiveMarkets call.
const maxGammaPages = 5

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and metadata. It implements domain.MarketSource.
type GammaClient struct {
	baseURL    string
	pageLimit  int
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
// pageLimit is the page size requested from /markets.
func NewGammaClient(baseURL string, pageLimit int) *GammaClient {
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &GammaClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		pageLimit: pageLimit,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ActiveMarkets returns open markets, soonest expiry first. Records are
// converted as-is; the caller filters out ineligible ones.
func (g *GammaClient) ActiveMarkets(ctx context.Context) ([]domain.Market, error) {
	var markets []domain.Market
	for page := 0; page < maxGammaPages; page++ {
		batch, err := g.GetMarkets(ctx, g.pageLimit, page*g.pageLimit)
		if err != nil {
			return nil, err
		}
		markets = append(markets, batch...)
		if len(batch) < g.pageLimit {
			break
		}
	}
	return markets, nil
}

// GetMarkets returns one page of active, unclosed markets.
func (g *GammaClient) GetMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("order", "endDate")
	params.Set("ascending", "true")
	params.Set("end_date_min", time.Now().UTC().Format(time.RFC3339))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets: %w", err)
	}

	apiMarkets, err := decodeMarkets(body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		markets = append(markets, apiMarkets[i].ToDomainMarket())
	}
	return markets, nil
}

// decodeMarkets accepts a bare array or an object wrapping it in "markets"
// or "data".
func decodeMarkets(body []byte) ([]APIMarket, error) {
	var list []APIMarket
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Markets []APIMarket `json:"markets"`
		Data    []APIMarket `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Markets) > 0 {
		return wrapped.Markets, nil
	}
	return wrapped.Data, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientNetwork, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientNetwork, "", fmt.Errorf("read response: %w", err))
	}

	if err := checkHTTPStatus(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}
