// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://www.pitchai.net/).
// Copyright 2024-present PitchAI, Inc.

package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"go.uber.org/atomic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortMessagePassesThrough(t *testing.T) {
	chunks := ChunkMessage("hello\nworld", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello\nworld", chunks[0])
}

func TestChunkEmptyMessage(t *testing.T) {
	assert.Nil(t, ChunkMessage("", 100))
}

func TestChunkSplitsAtLineBoundary(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "line %02d padding padding padding\n", i)
	}
	text := b.String()
	chunks := ChunkMessage(text, 300)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 300)
		// line-boundary splits keep lines whole
		assert.True(t, strings.HasPrefix(c, "line "))
		assert.True(t, strings.HasSuffix(c, "padding"))
	}
	// nothing lost
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c)
		joined.WriteString("\n")
	}
	assert.Equal(t, text, joined.String())
}

func TestChunkHardCutsGiantLine(t *testing.T) {
	text := strings.Repeat("x", 1000)
	chunks := ChunkMessage(text, 300)
	require.Len(t, chunks, 4)
	for _, c := range chunks[:3] {
		assert.Len(t, c, 300)
	}
	assert.Len(t, chunks[3], 100)
}

func TestChunkIgnoresEarlyNewline(t *testing.T) {
	// the only newline sits before 60% of the limit, so the split is a
	// hard cut rather than a tiny fragment
	text := "short\n" + strings.Repeat("y", 500)
	chunks := ChunkMessage(text, 300)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 300)
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	// 3-byte runes: a naive byte cut at 500 would land mid-rune
	detail := strings.Repeat("ااا", 200)
	msg := TestDown("acme", "checkout", "https://app.example.com", 2, "error_page", detail, "", 0)
	assert.True(t, utf8.ValidString(msg))
	assert.Contains(t, msg, "…")
}

func newTelegramTestServer(t *testing.T, status int, got *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/botsecret-token/sendMessage"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*got = append(*got, body["text"])
		w.WriteHeader(status)
		fmt.Fprint(w, `{"ok":true}`)
	}))
}

func TestTelegramSend(t *testing.T) {
	var got []string
	srv := newTelegramTestServer(t, http.StatusOK, &got)
	defer srv.Close()

	n := NewTelegramNotifier("secret-token", "-100123")
	n.apiBase = srv.URL
	require.NoError(t, n.Send(context.Background(), "all good"))
	require.Len(t, got, 1)
	assert.Equal(t, "all good", got[0])
}

func TestTelegramErrorRedactsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request for botsecret-token")
	}))
	defer srv.Close()

	n := NewTelegramNotifier("secret-token", "-100123")
	n.apiBase = srv.URL
	err := n.Send(context.Background(), "boom")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
	assert.Contains(t, err.Error(), "<bot-token>")
}

func TestTelegramRejectsOversizedMessage(t *testing.T) {
	n := NewTelegramNotifier("secret-token", "-100123")
	err := n.Send(context.Background(), strings.Repeat("x", TelegramHardLimit+1))
	assert.Error(t, err)
}

type flakyNotifier struct {
	calls    atomic.Int64
	failings int64
}

func (f *flakyNotifier) Send(ctx context.Context, text string) error {
	if f.calls.Inc() <= f.failings {
		return fmt.Errorf("transient")
	}
	return nil
}

func TestManagerRetriesOnce(t *testing.T) {
	n := &flakyNotifier{failings: 1}
	m := NewManager(n)
	m.Notify(context.Background(), "down")
	assert.EqualValues(t, 2, n.calls.Load())
}

func TestManagerSwallowsPersistentFailure(t *testing.T) {
	n := &flakyNotifier{failings: 100}
	m := NewManager(n)
	// must not panic or block; alerting is best-effort
	m.Notify(context.Background(), "down")
	assert.EqualValues(t, 2, n.calls.Load())
}

func TestMessageBuilders(t *testing.T) {
	down := TestDown("acme", "checkout", "https://app.example.com", 3,
		"assertion", "button not found", "https://sentinel/runs/r1", 0)
	assert.Contains(t, down, "🔴 DOWN: acme / checkout")
	assert.Contains(t, down, "Consecutive failures: 3")
	assert.Contains(t, down, "Last OK: never")
	assert.Contains(t, down, "[assertion] button not found")
	assert.Contains(t, down, "https://sentinel/runs/r1")

	up := TestRecovered("acme", "checkout", "https://app.example.com", 330)
	assert.Contains(t, up, "🟢 RECOVERED: acme / checkout")
	assert.Contains(t, up, "5m30s")
}
