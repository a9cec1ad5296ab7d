package mnemos

import (
	"context"
	"encoding/json"

	"github.com/rendis/mnemos/pkg/schema"
)

// QueryResult is a thought whose payload matched a jq expression.
type QueryResult struct {
	ID     string `json:"id"`
	Agent  string `json:"agent"`
	Result any    `json:"result"`
}

// Query evaluates a jq expression against each live payload of agent. A
// thought is included unless every output is null or false; a single output
// is returned as-is, several as a list.
func (b *Bus) Query(ctx context.Context, agent, expression string) ([]QueryResult, error) {
	if err := b.jq.Compile(expression); err != nil {
		return nil, err
	}

	var out []QueryResult
	for _, th := range b.GetThoughts(ctx, agent) {
		var input any
		if err := json.Unmarshal(th.Payload, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"thought %s has an undecodable payload", th.ID).WithCause(err)
		}

		results, err := b.jq.Run(ctx, expression, input)
		if err != nil {
			return nil, err
		}

		kept := results[:0]
		for _, r := range results {
			if r == nil || r == false {
				continue
			}
			kept = append(kept, r)
		}

		switch len(kept) {
		case 0:
			continue
		case 1:
			out = append(out, QueryResult{ID: th.ID, Agent: th.Agent, Result: kept[0]})
		default:
			out = append(out, QueryResult{ID: th.ID, Agent: th.Agent, Result: kept})
		}
	}
	return out, nil
}
