package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls    atomic.Int32
	failures int
	failWith error
	resp     *Response
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, request Request) (*Response, error) {
	n := f.calls.Add(1)
	if int(n) <= f.failures {
		return nil, f.failWith
	}
	return f.resp, nil
}

func TestClientRetriesTransientFailures(t *testing.T) {
	fake := &fakeProvider{
		failures: 2,
		failWith: errString("upstream returned 503"),
		resp:     &Response{Content: "ok"},
	}
	client := NewClient(ClientConfig{Provider: fake, Model: "m", MaxRetries: 3})

	decision, err := client.Decide(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DecisionText, decision.Kind)
	assert.Equal(t, "ok", decision.Text)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestClientDoesNotRetryPermanentFailures(t *testing.T) {
	fake := &fakeProvider{
		failures: 10,
		failWith: errString("invalid api key"),
	}
	client := NewClient(ClientConfig{Provider: fake, Model: "m", MaxRetries: 3})

	_, err := client.Decide(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	p, err = NewProvider(Config{})
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = NewProvider(Config{Provider: "bedrock"})
	require.Error(t, err)
}
