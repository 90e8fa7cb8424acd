package generator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/generator"
)

func TestFormatSplitsParagraphs(t *testing.T) {
	content := generator.Format("Dear Ana,\n\nFirst paragraph.\n\nSecond paragraph.\n\nBest,\nBob")
	require.Equal(t, "Dear Ana,", content.Greeting)
	require.Equal(t, "First paragraph.\n\nSecond paragraph.", content.Body)
	require.Equal(t, "Best,\nBob", content.Signature)
	require.Equal(t, "Dear Ana,\n\nFirst paragraph.\n\nSecond paragraph.\n\nBest,\nBob", content.Text())
}

func TestFormatShortCompletions(t *testing.T) {
	require.Equal(t, generator.Content{}, generator.Format("  "))
	require.Equal(t, generator.Content{Body: "Just one."}, generator.Format("Just one.\n"))
	require.Equal(t, generator.Content{Greeting: "Hi", Signature: "Bye"}, generator.Format("Hi\r\n\r\nBye"))
}

func TestClientGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hello Ana,\n\nWe ship soon.\n\nRegards"}}]}`))
	}))
	defer srv.Close()

	client := generator.NewClient(generator.Options{BaseURL: srv.URL + "/", APIKey: "secret", Model: "test-model", MaxTokens: 100, Temperature: 0.5})
	content, err := client.Generate(context.Background(), generator.Params{RecipientName: "Ana", Company: "Acme", Purpose: "announce a launch"})
	require.NoError(t, err)
	require.Equal(t, generator.Content{Greeting: "Hello Ana,", Body: "We ship soon.", Signature: "Regards"}, content)

	require.Equal(t, "test-model", got["model"])
	require.EqualValues(t, 100, got["max_tokens"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)
	require.Contains(t, user["content"], "to Ana from Acme")
}

func TestClientUpstreamFailureIsGenerationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := generator.NewClient(generator.Options{BaseURL: srv.URL, MaxAttempts: 1, Timeout: time.Second})
	_, err := client.Generate(context.Background(), generator.Params{RecipientName: "Ana", Company: "Acme", Purpose: "x"})
	require.ErrorIs(t, err, generator.ErrGeneration)
}

func TestClientRejectsEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := generator.NewClient(generator.Options{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), generator.Params{RecipientName: "Ana", Company: "Acme", Purpose: "x"})
	require.ErrorIs(t, err, generator.ErrGeneration)
}

func TestClientRequiresBaseURL(t *testing.T) {
	client := generator.NewClient(generator.Options{})
	_, err := client.Generate(context.Background(), generator.Params{})
	require.ErrorIs(t, err, generator.ErrGeneration)
}

func TestClientKeepsCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := generator.NewClient(generator.Options{BaseURL: srv.URL, MaxAttempts: 1, Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Generate(ctx, generator.Params{RecipientName: "Ana", Company: "Acme", Purpose: "x"})
	require.ErrorIs(t, err, generator.ErrGeneration)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
