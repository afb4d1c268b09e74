package knowledge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/beanandbrew/voicedesk/internal/tools"
)

const (
	searchLimit     = 4
	topicsLimit     = 20
	confidenceFloor = 0.5

	// Spoken while a slow search runs.
	fillerLookup = "Let me look that up for you..."
)

// Toolset returns the knowledge base function descriptors backed by kb.
func Toolset(kb Searcher) []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name:        "search_knowledge_base",
			Description: "Search the company knowledge base for answers about hours, menu, policies, and services.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "The customer's question in natural language."}
				},
				"required": ["query"]
			}`),
			Handler:        searchKB(kb),
			Timeout:        15 * time.Second,
			MaxLatencyHint: 800 * time.Millisecond,
			Filler:         fillerLookup,
		},
		{
			Name:        "get_knowledge_base_topics",
			Description: "List the questions the knowledge base can answer.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     kbTopics(kb),
			Timeout:     10 * time.Second,
		},
		{
			Name:        "get_best_answer",
			Description: "Return the single best knowledge base answer for a question, or report that none is confident enough.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "The customer's question."}
				},
				"required": ["question"]
			}`),
			Handler:        bestAnswer(kb),
			Timeout:        15 * time.Second,
			MaxLatencyHint: 800 * time.Millisecond,
			Filler:         fillerLookup,
		},
	}
}

func searchKB(kb Searcher) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		entries, err := kb.Search(ctx, in.Query, searchLimit)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"query":   in.Query,
			"results": entries,
			"count":   len(entries),
		}
		if len(entries) > 0 {
			out["best_match"] = entries[0]
		}
		return out, nil
	}
}

func kbTopics(kb Searcher) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		topics, total, err := kb.Topics(ctx, topicsLimit)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"topics": topics,
			"total":  total,
		}, nil
	}
}

func bestAnswer(kb Searcher) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		entries, err := kb.Search(ctx, in.Question, 1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 || entries[0].Score < confidenceFloor {
			return map[string]any{
				"found":   false,
				"message": "I don't have a confident answer for that in the knowledge base.",
			}, nil
		}
		return map[string]any{
			"found":    true,
			"question": entries[0].Question,
			"answer":   entries[0].Answer,
			"score":    entries[0].Score,
		}, nil
	}
}
