package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/mock"
	"github.com/voxbridge/voxbridge/pkg/store"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:         "cloud",
		TimeoutS:         120,
		StreamingEnabled: true,
		FallbackEnabled:  true,
		WebhookURL:       "http://example.test/llm",
	}
}

func cloudAgent() store.Agent {
	return store.Agent{
		ID:   "agent-1",
		Name: "Iris",
		LLM: store.LLMConfig{
			Provider:     "cloud",
			Model:        "gpt-4o-mini",
			Temperature:  0.7,
			SystemPrompt: "You are Iris.",
		},
	}
}

func drainFragments(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("fragment channel never closed")
		}
	}
}

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()

	direct := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hel"}, {Text: "lo!"}, {FinishReason: "stop"},
	}}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, nil)

	history := []store.Turn{
		{Role: store.RoleUser, Text: "hi"},
		{Role: store.RoleAssistant, Text: "hello"},
	}
	frags, wait, err := g.Stream(context.Background(), Request{
		Agent: cloudAgent(), History: history, UserText: "how are you?",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := drainFragments(t, frags)
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo!" {
		t.Errorf("fragments = %q", got)
	}
	full, werr := wait()
	if werr != nil {
		t.Fatalf("wait: %v", werr)
	}
	if full != "Hello!" {
		t.Errorf("full = %q", full)
	}

	calls := direct.Calls()
	if len(calls) != 1 {
		t.Fatalf("direct calls = %d", len(calls))
	}
	msgs := calls[0].Req.Messages
	wantRoles := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, r)
		}
	}
	if msgs[0].Content != "You are Iris." || msgs[3].Content != "how are you?" {
		t.Errorf("unexpected message contents: %+v", msgs)
	}
	if calls[0].Req.Temperature != 0.7 {
		t.Errorf("temperature = %v", calls[0].Req.Temperature)
	}
}

func TestStreamRoutesToWebhookWhenRequested(t *testing.T) {
	t.Parallel()

	direct := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "direct"}}}
	webhook := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "hooked"}, {FinishReason: "stop"}}}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, webhook)

	agent := cloudAgent()
	agent.LLM.UseWebhook = true

	frags, wait, err := g.Stream(context.Background(), Request{Agent: agent, UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drainFragments(t, frags)
	full, _ := wait()
	if full != "hooked" {
		t.Errorf("full = %q", full)
	}
	if len(direct.Calls()) != 0 {
		t.Error("direct provider should not be called")
	}
}

func TestStreamFallsBackWhenDirectCannotStart(t *testing.T) {
	t.Parallel()

	direct := &mock.Provider{StreamErr: errors.New("connection refused")}
	webhook := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "saved"}, {FinishReason: "stop"}}}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, webhook)

	frags, wait, err := g.Stream(context.Background(), Request{Agent: cloudAgent(), UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drainFragments(t, frags)
	full, werr := wait()
	if werr != nil || full != "saved" {
		t.Errorf("full = %q, err = %v", full, werr)
	}
	if len(direct.Calls()) != 1 || len(webhook.Calls()) != 1 {
		t.Errorf("calls: direct=%d webhook=%d", len(direct.Calls()), len(webhook.Calls()))
	}
}

func TestStreamFallsBackOnErrorBeforeOutput(t *testing.T) {
	t.Parallel()

	direct := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "backend exploded", FinishReason: llm.FinishReasonError},
	}}
	webhook := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "rescued"}, {FinishReason: "stop"}}}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, webhook)

	frags, wait, err := g.Stream(context.Background(), Request{Agent: cloudAgent(), UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := drainFragments(t, frags)
	if len(got) != 1 || got[0] != "rescued" {
		t.Errorf("fragments = %q", got)
	}
	if _, werr := wait(); werr != nil {
		t.Errorf("wait: %v", werr)
	}
}

func TestStreamErrorAfterOutputPreservesPartial(t *testing.T) {
	t.Parallel()

	direct := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi! I was about to"},
		{Text: "model died", FinishReason: llm.FinishReasonError},
	}}
	webhook := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "unused"}}}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, webhook)

	frags, wait, err := g.Stream(context.Background(), Request{Agent: cloudAgent(), UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drainFragments(t, frags)
	partial, werr := wait()
	if !errors.Is(werr, ErrUnavailable) {
		t.Fatalf("wait err = %v, want ErrUnavailable", werr)
	}
	if partial != "Hi! I was about to" {
		t.Errorf("partial = %q", partial)
	}
	if len(webhook.Calls()) != 0 {
		t.Error("webhook must not be tried after partial output")
	}
}

func TestStreamUnknownProviderWithoutWebhook(t *testing.T) {
	t.Parallel()

	g := NewGateway(testLLMConfig(), map[string]llm.Provider{}, nil)
	agent := cloudAgent()
	agent.LLM.Provider = "nonexistent"

	_, _, err := g.Stream(context.Background(), Request{Agent: agent, UserText: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestStreamQuietTimeout(t *testing.T) {
	t.Parallel()

	stall := make(chan struct{}) // never signalled
	direct := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "never arrives"}},
		StreamDelay:  stall,
	}
	g := NewGateway(testLLMConfig(), map[string]llm.Provider{"cloud": direct}, nil,
		WithQuietTimeout(30*time.Millisecond))

	frags, wait, err := g.Stream(context.Background(), Request{Agent: cloudAgent(), UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drainFragments(t, frags)
	partial, werr := wait()
	if !errors.Is(werr, ErrTimeout) {
		t.Fatalf("wait err = %v, want ErrTimeout", werr)
	}
	if partial != "" {
		t.Errorf("partial = %q, want empty", partial)
	}
}

func TestStreamNonStreamingMode(t *testing.T) {
	t.Parallel()

	cfg := testLLMConfig()
	cfg.StreamingEnabled = false
	direct := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "whole "}, {Text: "answer"}}}
	g := NewGateway(cfg, map[string]llm.Provider{"cloud": direct}, nil)

	frags, wait, err := g.Stream(context.Background(), Request{Agent: cloudAgent(), UserText: "hi"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := drainFragments(t, frags)
	if len(got) != 1 || got[0] != "whole answer" {
		t.Errorf("fragments = %q", got)
	}
	full, _ := wait()
	if full != "whole answer" {
		t.Errorf("full = %q", full)
	}
}

func TestStreamUntaggedAgentUsesCloudBackend(t *testing.T) {
	t.Parallel()

	// The config names a vendor backend, but the map is keyed by tag. An
	// agent without a tag must still resolve to the cloud backend.
	cfg := testLLMConfig()
	cfg.Provider = "openai"
	direct := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}}}
	g := NewGateway(cfg, map[string]llm.Provider{"cloud": direct}, nil)

	agent := cloudAgent()
	agent.LLM.Provider = ""
	frags, wait, err := g.Stream(context.Background(), Request{Agent: agent, UserText: "hello"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	drainFragments(t, frags)
	if _, werr := wait(); werr != nil {
		t.Fatalf("wait: %v", werr)
	}
	if got := len(direct.Calls()); got != 1 {
		t.Errorf("direct calls = %d, want 1", got)
	}
}
