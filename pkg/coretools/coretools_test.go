package coretools

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontohq/pronto/pkg/retrieval"
	"github.com/prontohq/pronto/pkg/tools"
)

func newTestSetup(t *testing.T) (*tools.Registry, string) {
	t.Helper()

	dir := t.TempDir()
	corpusDir := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(corpusDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(corpusDir, "menu.md"),
		[]byte("# Menu\n\nMargherita pizza with basil. Pepperoni pizza with salami."),
		0o644,
	))

	docs, err := retrieval.NewDocumentIndex(retrieval.DocumentConfig{
		CorpusDir: corpusDir,
		DBPath:    filepath.Join(dir, "documents.db"),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	mem, err := retrieval.NewMemoryIndex(retrieval.MemoryConfig{
		DBPath: filepath.Join(dir, "memory.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	require.NoError(t, mem.Add(context.Background(), "sess-1", "user", "I love thin crust margherita"))

	orderFile := filepath.Join(dir, "orders.jsonl")
	registry := tools.NewRegistry(0)
	require.NoError(t, Register(registry, Options{
		OrderFilePath: orderFile,
		Documents:     docs,
		Memory:        mem,
	}))

	return registry, orderFile
}

func TestRegisterAllTools(t *testing.T) {
	registry, _ := newTestSetup(t)

	assert.ElementsMatch(t, []string{"place_order", "query_documents", "query_memory"}, registry.List())
}

func TestPlaceOrderAppendsToFile(t *testing.T) {
	registry, orderFile := newTestSetup(t)

	result := registry.Execute(context.Background(), "place_order", map[string]interface{}{
		"pizza_type":       "Margherita",
		"size":             "Large",
		"quantity":         float64(2),
		"delivery_address": "12 Via Roma",
		"crust_type":       "Thin",
		"extra_toppings":   []interface{}{"olives"},
	})
	require.True(t, result.Success, "unexpected error: %s", result.Error)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, "Order Placed Successfully", output["status"])
	assert.Contains(t, output["confirmation"], "2 x Large Margherita")

	f, err := os.Open(orderFile)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var order Order
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &order))
	assert.Equal(t, "Margherita", order.PizzaType)
	assert.Equal(t, 2, order.Quantity)
	assert.Equal(t, "Thin", order.CrustType)
	assert.Equal(t, []string{"olives"}, order.ExtraToppings)
	assert.Equal(t, "Received", order.Status)
	assert.False(t, scanner.Scan(), "expected exactly one order line")
}

func TestPlaceOrderRejectsBadQuantity(t *testing.T) {
	registry, orderFile := newTestSetup(t)

	result := registry.Execute(context.Background(), "place_order", map[string]interface{}{
		"pizza_type":       "Margherita",
		"size":             "Large",
		"quantity":         float64(0),
		"delivery_address": "12 Via Roma",
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "quantity")

	_, err := os.Stat(orderFile)
	assert.True(t, os.IsNotExist(err), "no order should be written")
}

func TestCoerceQuantity(t *testing.T) {
	cases := []struct {
		name    string
		raw     interface{}
		want    int
		wantErr bool
	}{
		{"float", float64(3), 3, false},
		{"int", 2, 2, false},
		{"numeric string", "4", 4, false},
		{"zero", float64(0), 0, true},
		{"negative", float64(-1), 0, true},
		{"fractional", 1.5, 0, true},
		{"garbage string", "two", 0, true},
		{"nil", nil, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceQuantity(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQueryDocuments(t *testing.T) {
	registry, _ := newTestSetup(t)

	result := registry.Execute(context.Background(), "query_documents", map[string]interface{}{
		"query": "margherita",
	})
	require.True(t, result.Success, "unexpected error: %s", result.Error)

	hits := result.Output.([]retrieval.Result)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "Margherita")
}

func TestQueryDocumentsNoHits(t *testing.T) {
	registry, _ := newTestSetup(t)

	result := registry.Execute(context.Background(), "query_documents", map[string]interface{}{
		"query": "sushi",
	})
	require.True(t, result.Success)

	output := result.Output.(map[string]interface{})
	assert.Contains(t, output["message"], "No relevant documents")
}

func TestQueryMemory(t *testing.T) {
	registry, _ := newTestSetup(t)

	result := registry.Execute(context.Background(), "query_memory", map[string]interface{}{
		"query":      "crust",
		"session_id": "sess-1",
	})
	require.True(t, result.Success, "unexpected error: %s", result.Error)

	hits := result.Output.([]retrieval.Result)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "thin crust")
}
