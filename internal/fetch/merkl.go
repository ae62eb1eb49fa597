package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMerklURL is the public Merkl opportunities API
const DefaultMerklURL = "https://api.merkl.xyz"

// Opportunity is a live incentive program attached to a pool
type Opportunity struct {
	ID           string
	Identifier   string
	APR          float64
	Status       string
	RewardTokens []string
}

type merklOpportunity struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	APR           float64 `json:"apr"`
	Status        string  `json:"status"`
	Identifier    string  `json:"identifier"`
	ChainID       int64   `json:"chainId"`
	RewardsRecord *struct {
		Breakdowns []struct {
			Token struct {
				Address string `json:"address"`
				Symbol  string `json:"symbol"`
			} `json:"token"`
		} `json:"breakdowns"`
	} `json:"rewardsRecord"`
}

// MerklRegistry queries Merkl for live opportunities on a pool address
type MerklRegistry struct {
	api     *APIClient
	baseURL string
}

// NewMerklRegistry creates a registry client against baseURL (DefaultMerklURL when empty)
func NewMerklRegistry(api *APIClient, baseURL string) *MerklRegistry {
	if baseURL == "" {
		baseURL = DefaultMerklURL
	}
	return &MerklRegistry{api: api, baseURL: strings.TrimRight(baseURL, "/")}
}

// Opportunities returns LIVE opportunities whose identifier matches address on chainID
func (m *MerklRegistry) Opportunities(ctx context.Context, chainID int64, address string) ([]Opportunity, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(chainID, 10))
	q.Set("identifier", address)
	q.Set("status", "LIVE")
	endpoint := fmt.Sprintf("%s/v4/opportunities?%s", m.baseURL, q.Encode())

	var raw []merklOpportunity
	if err := m.api.GetJSON(ctx, endpoint, &raw); err != nil {
		return nil, err
	}

	out := make([]Opportunity, 0, len(raw))
	for _, o := range raw {
		// the API filter is advisory; re-check every field we rely on
		if !strings.EqualFold(o.Status, "LIVE") {
			continue
		}
		if o.ChainID != 0 && o.ChainID != chainID {
			continue
		}
		if !strings.EqualFold(o.Identifier, address) {
			continue
		}
		opp := Opportunity{ID: o.ID, Identifier: strings.ToLower(o.Identifier), APR: o.APR, Status: o.Status}
		if o.RewardsRecord != nil {
			for _, b := range o.RewardsRecord.Breakdowns {
				if b.Token.Address != "" {
					opp.RewardTokens = append(opp.RewardTokens, strings.ToLower(b.Token.Address))
				}
			}
		}
		out = append(out, opp)
	}
	return out, nil
}
