// Package coretools registers the built-in restaurant assistant tools:
// order placement and retrieval over the document corpus and conversation
// memory.
package coretools

import (
	"context"
	"errors"
	"fmt"

	"github.com/prontohq/pronto/pkg/retrieval"
	"github.com/prontohq/pronto/pkg/tools"
)

// Options configures core tool registration.
type Options struct {
	OrderFilePath string
	Documents     *retrieval.DocumentIndex // optional
	Memory        *retrieval.MemoryIndex   // optional
}

// Register wires the built-in tools into the registry. Retrieval tools are
// only registered when their backing index is configured.
func Register(registry *tools.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}

	defs := []tools.Definition{placeOrderTool(opts)}
	if opts.Documents != nil {
		defs = append(defs, queryDocumentsTool(opts.Documents))
	}
	if opts.Memory != nil {
		defs = append(defs, queryMemoryTool(opts.Memory))
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func queryDocumentsTool(index *retrieval.DocumentIndex) tools.Definition {
	return tools.Definition{
		Name: "query_documents",
		Description: "Searches and retrieves relevant content from the indexed restaurant documents " +
			"(menu, reviews, policies) based on a query. Useful for answering questions about food, " +
			"service, price, or any information present in the indexed files. Do NOT use this to place an order.",
		Parameters: []tools.Parameter{
			{
				Name:        "query",
				Type:        "string",
				Description: "The specific question or topic to search for in the documents.",
				Required:    true,
			},
			{
				Name:        "limit",
				Type:        "integer",
				Description: "Maximum number of results to return.",
				Required:    false,
				Default:     5,
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			opts := retrieval.DefaultOptions()
			if limit, ok := args["limit"].(float64); ok && limit > 0 {
				opts.Limit = int(limit)
			} else {
				opts.Limit = 5
			}

			results, err := index.Search(ctx, query, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to query documents: %w", err)
			}
			if len(results) == 0 {
				return map[string]interface{}{
					"message": "No relevant documents found for your query.",
				}, nil
			}
			return results, nil
		},
	}
}

func queryMemoryTool(index *retrieval.MemoryIndex) tools.Definition {
	return tools.Definition{
		Name: "query_memory",
		Description: "Searches and retrieves relevant content from conversation history and memory. " +
			"Use this to recall past conversations, user preferences, or previous interactions. " +
			"This is specifically for accessing conversation memory, not for searching documents.",
		Parameters: []tools.Parameter{
			{
				Name:        "query",
				Type:        "string",
				Description: "The specific question or topic to search for in conversation history.",
				Required:    true,
			},
			{
				Name:        "session_id",
				Type:        "string",
				Description: "Restrict recall to one session. Searches all sessions when omitted.",
				Required:    false,
			},
			{
				Name:        "limit",
				Type:        "integer",
				Description: "Maximum number of results to return.",
				Required:    false,
				Default:     5,
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			sessionID, _ := args["session_id"].(string)
			opts := retrieval.DefaultOptions()
			if limit, ok := args["limit"].(float64); ok && limit > 0 {
				opts.Limit = int(limit)
			} else {
				opts.Limit = 5
			}

			results, err := index.Search(ctx, sessionID, query, opts)
			if err != nil {
				return nil, fmt.Errorf("failed to query conversation memory: %w", err)
			}
			if len(results) == 0 {
				return map[string]interface{}{
					"message": "No relevant conversation history found for your query.",
				}, nil
			}
			return results, nil
		},
	}
}
