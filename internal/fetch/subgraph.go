package fetch

import (
	"context"
	"encoding/json"
	"strings"
)

// SubgraphClient runs GraphQL queries against subgraph endpoints
type SubgraphClient struct {
	api *APIClient
}

// NewSubgraphClient creates a subgraph client
func NewSubgraphClient(api *APIClient) *SubgraphClient {
	return &SubgraphClient{api: api}
}

type graphQLError struct {
	Message string `json:"message"`
}

// Query posts query with vars to endpoint and decodes the data object into out.
// GraphQL-level errors and a missing data object are reported as malformed
// upstream responses.
func (c *SubgraphClient) Query(ctx context.Context, endpoint, query string, vars map[string]any, out any) error {
	body := map[string]any{"query": query}
	if len(vars) > 0 {
		body["variables"] = vars
	}
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := c.api.PostJSON(ctx, endpoint, body, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return Malformed("subgraph", "graphql errors: %s", strings.Join(msgs, "; "))
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return Malformed("subgraph", "response has no data")
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return Malformed("subgraph", "decode data: %v", err)
	}
	return nil
}
