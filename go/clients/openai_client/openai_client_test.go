package openai_client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/storychain/go/clients"
)

func TestOpenAIClient_Score(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ChatCompletionsEndpoint, r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get(AuthorizationHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" 17 \n"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", WithBaseURL(srv.URL))
	reply, err := client.Score(context.Background(), "rate this")
	require.NoError(t, err)
	assert.Equal(t, "17", reply)
	assert.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "rate this", got.Messages[0].Content)
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "http status",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"slow down"}}`,
			check: func(t *testing.T, err error) {
				var statusErr *clients.StatusError
				require.True(t, errors.As(err, &statusErr))
				assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
			},
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoChoices)
			},
		},
		{
			name:   "api error in body",
			status: http.StatusOK,
			body:   `{"error":{"message":"bad model"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "bad model")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient("sk-test", WithBaseURL(srv.URL)).Score(context.Background(), "x")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}
