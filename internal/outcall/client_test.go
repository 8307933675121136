package outcall

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Date", time.Now().String())
		fmt.Fprintf(w, `{"value":42,"timestamp":%d}`, time.Now().UnixNano())
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second, Replicas: 3}, nil)

	resp, err := client.Do(context.Background(), &Request{
		URL:     server.URL,
		Headers: []Header{{Name: "X-Api-Key", Value: "secret"}},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"value":42}`, string(resp.Body))
}

func TestClient_Do_NoConsensus(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		fmt.Fprintf(w, `{"value":%d}`, n)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second, Replicas: 2}, nil)

	_, err := client.Do(context.Background(), &Request{URL: server.URL})

	assert.ErrorIs(t, err, ErrNoConsensus)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestClient_Do_CustomTransform(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		fmt.Fprintf(w, `{"value":%d}`, n)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second, Replicas: 2}, nil)

	sanitizer := NewSanitizer([]string{"value"})
	resp, err := client.Do(context.Background(), &Request{URL: server.URL, Transform: sanitizer.Transform()})

	require.NoError(t, err)
	assert.Equal(t, `{}`, string(resp.Body))
}

func TestClient_Do_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second}, nil)

	_, err := client.Do(context.Background(), &Request{URL: server.URL, MaxResponseBytes: 16})

	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestClient_Do_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(ClientConfig{Timeout: time.Second}, nil)

	_, err := client.Do(context.Background(), &Request{URL: url})

	assert.Error(t, err)
}

func TestClient_Do_PostBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{}, nil)
	assert.Equal(t, 1, client.Replicas())

	resp, err := client.Do(context.Background(), &Request{URL: server.URL, Method: http.MethodPost, Body: []byte("x")})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "created", string(resp.Body))
}
