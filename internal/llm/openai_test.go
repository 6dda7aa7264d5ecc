package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStubAPI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL}, nil)
}

func TestEmbedReturnsVector(t *testing.T) {
	t.Parallel()

	var gotModel string
	client := newStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		require.Equal(t, []string{"비비고 김치 후기"}, req.Input)
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3],"index":0}],"model":"text-embedding-3-small"}`)
	})

	vec, err := client.Embed(context.Background(), "비비고 김치 후기")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	require.Equal(t, "text-embedding-3-small", gotModel)
}

func TestEmbedEmptyResponse(t *testing.T) {
	t.Parallel()

	client := newStubAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})
	_, err := client.Embed(context.Background(), "text")
	require.ErrorContains(t, err, "no embedding data")
}

func TestEmbedAPIError(t *testing.T) {
	t.Parallel()

	client := newStubAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	})
	_, err := client.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestTranscribeSendsImagesAndPrompt(t *testing.T) {
	t.Parallel()

	client := newStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content []struct {
					Type     string `json:"type"`
					Text     string `json:"text,omitempty"`
					ImageURL *struct {
						URL string `json:"url"`
					} `json:"image_url,omitempty"`
				} `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		parts := req.Messages[0].Content
		require.Len(t, parts, 3)
		require.Equal(t, "text", parts[0].Type)
		require.Contains(t, parts[0].Text, "brand names")
		require.Equal(t, "https://cdn.example.com/1.jpg", parts[1].ImageURL.URL)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"비비고 김치 1+1 행사"}}],"usage":{"total_tokens":321}}`)
	})

	text, err := client.Transcribe(context.Background(),
		[]string{"https://cdn.example.com/1.jpg", "https://cdn.example.com/2.jpg"},
		"Transcribe any text visible in these images. Pay particular attention to brand names.")
	require.NoError(t, err)
	require.Equal(t, "비비고 김치 1+1 행사", text)
}

func TestTranscribeRequiresImages(t *testing.T) {
	t.Parallel()

	client := NewOpenAIClient(Config{APIKey: "test-key"}, nil)
	_, err := client.Transcribe(context.Background(), nil, "prompt")
	require.ErrorContains(t, err, "no image urls")
}
