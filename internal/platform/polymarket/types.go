package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringList decodes either a JSON array of strings or a string holding a
// JSON-encoded array, which is how Gamma ships outcomes and clobTokenIds.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*l = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return err
	}
	*l = arr
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// apiOrder is the body of POST /order.
type apiOrder struct {
	Order     apiSignedOrder `json:"order"`
	Owner     string         `json:"owner"`
	OrderType string         `json:"orderType"`
}

type apiSignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
}

// apiOpenOrder is the response from GET /data/order/{id}.
type apiOpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// apiCancelResult is the response from DELETE /order.
type apiCancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// apiCreds is returned by the key derivation endpoints.
type apiCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID           string     `json:"id"`
	ConditionID  string     `json:"conditionId"`
	Question     string     `json:"question"`
	Slug         string     `json:"slug"`
	Active       flexBool   `json:"active"`
	Closed       flexBool   `json:"closed"`
	EndDate      string     `json:"endDate"`
	EndDateISO   string     `json:"end_date_iso"`
	Outcomes     stringList `json:"outcomes"`
	ClobTokenIDs stringList `json:"clobTokenIds"`
	Tokens       []Token    `json:"tokens"`
	NegRisk      bool       `json:"negRisk"`
}

// Token represents a token entry inside the Gamma API market response.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// ToDomainMarket converts a Gamma market. Missing fields are left empty and
// the record then fails Market.Eligible.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:       m.ConditionID,
		Question: m.Question,
		Slug:     m.Slug,
		Status:   domain.MarketStatusActive,
	}
	if dm.ID == "" {
		dm.ID = m.ID
	}
	if bool(m.Closed) {
		dm.Status = domain.MarketStatusExpired
	}

	for _, tok := range m.Tokens {
		assignOutcome(&dm, tok.Outcome, tok.TokenID)
	}
	if dm.YesToken == "" || dm.NoToken == "" {
		for i, id := range m.ClobTokenIDs {
			if i < len(m.Outcomes) {
				assignOutcome(&dm, m.Outcomes[i], id)
			}
		}
	}

	for _, raw := range []string{m.EndDate, m.EndDateISO} {
		if t, ok := parseTime(raw); ok {
			dm.Expiry = t
			break
		}
	}
	return dm
}

func assignOutcome(m *domain.Market, outcome, token string) {
	switch strings.ToUpper(strings.TrimSpace(outcome)) {
	case "YES", "UP":
		if m.YesToken == "" {
			m.YesToken = token
		}
	case "NO", "DOWN":
		if m.NoToken == "" {
			m.NoToken = token
		}
	}
}

// parseTime accepts RFC 3339 timestamps, bare dates and Unix seconds or
// milliseconds.
func parseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// --------------------------------------------------------------------------
// Book DTOs, shared by GET /book and the market websocket channel
// --------------------------------------------------------------------------

// BookMessage is a full book for one token.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage carries level deltas. Newer servers batch them in
// PriceChanges; older ones put a single change at the top level.
type PriceChangeMessage struct {
	EventType    string        `json:"event_type"`
	Market       string        `json:"market"`
	AssetID      string        `json:"asset_id"`
	Side         string        `json:"side"`
	Price        string        `json:"price"`
	Size         string        `json:"size"`
	PriceChanges []PriceChange `json:"price_changes"`
	Changes      []PriceChange `json:"changes"`
	Timestamp    string        `json:"timestamp"`
}

// PriceChange is one level delta. Size "0" removes the level.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"`
}

// deltas flattens every shape of the message into a list of changes.
func (p *PriceChangeMessage) deltas() []PriceChange {
	out := make([]PriceChange, 0, len(p.PriceChanges)+len(p.Changes)+1)
	for _, list := range [][]PriceChange{p.PriceChanges, p.Changes} {
		for _, c := range list {
			if c.AssetID == "" {
				c.AssetID = p.AssetID
			}
			out = append(out, c)
		}
	}
	if len(out) == 0 && p.AssetID != "" && p.Price != "" {
		out = append(out, PriceChange{AssetID: p.AssetID, Side: p.Side, Price: p.Price, Size: p.Size})
	}
	return out
}

// --------------------------------------------------------------------------
// WebSocket subscription commands
// --------------------------------------------------------------------------

// wsCommand is the JSON payload sent on the market channel. The first
// message of a session carries Type; later changes carry Operation.
type wsCommand struct {
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
	AssetsIDs []string `json:"assets_ids"`
}
