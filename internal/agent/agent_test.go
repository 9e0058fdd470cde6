package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"medical-intake/internal/consultation"
	"medical-intake/internal/stream"
)

func chunkJSON(content, finish string) string {
	choice := map[string]any{
		"index": 0,
		"delta": map[string]any{"content": content},
	}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "deepseek-chat",
		"choices": []any{choice},
	})
	return string(b)
}

func newChatServer(t *testing.T, handler http.HandlerFunc) consultation.Generator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDeepSeekClient(DeepSeekConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Temperature: 0.2})
}

func TestDeepSeekComplete(t *testing.T) {
	var got map[string]any
	gen := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"deepseek-chat",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"1. How long has it hurt?"}}]}`)
	})

	out, err := gen.Complete(context.Background(), consultation.Prompt{System: "be brief", User: "I have a headache"})
	require.NoError(t, err)
	require.Equal(t, "1. How long has it hurt?", out)
	require.Equal(t, "deepseek-chat", got["model"])
	require.Len(t, got["messages"], 2)
}

func TestDeepSeekCompleteUpstreamError(t *testing.T) {
	gen := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	_, err := gen.Complete(context.Background(), consultation.Prompt{User: "hello"})
	require.Error(t, err)
}

func TestDeepSeekStream(t *testing.T) {
	gen := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{
			chunkJSON("Take ", ""),
			chunkJSON("", ""),
			chunkJSON("rest.", ""),
			chunkJSON("", "stop"),
		} {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	src, err := gen.Stream(context.Background(), consultation.Prompt{User: "advise"})
	require.NoError(t, err)

	res, err := stream.Aggregate(context.Background(), src, nil)
	require.NoError(t, err)
	require.Equal(t, "Take rest.", res.Text)
	require.Equal(t, 2, res.Chunks)
}

func TestDeepSeekStreamDroppedConnection(t *testing.T) {
	gen := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", chunkJSON("Take ", ""))
	})

	src, err := gen.Stream(context.Background(), consultation.Prompt{User: "advise"})
	require.NoError(t, err)

	_, err = stream.Aggregate(context.Background(), src, nil)
	require.ErrorIs(t, err, stream.ErrAborted)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestGoogleTranslator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.URL.Query().Get("key"))

		var req translateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hi", req.Source)
		require.Equal(t, "en", req.Target)
		require.Equal(t, []string{"सिर दर्द"}, req.Q)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"translations":[{"translatedText":"headache &amp; nausea"}]}}`)
	}))
	defer srv.Close()

	tr := NewGoogleTranslator("secret", srv.URL)
	out, err := tr.Translate(context.Background(), "सिर दर्द", "hi", "en")
	require.NoError(t, err)
	require.Equal(t, "headache & nausea", out)
}

func TestGoogleTranslatorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewGoogleTranslator("secret", srv.URL).Translate(context.Background(), "hola", "es", "en")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403 Forbidden")
	require.Contains(t, err.Error(), "quota exceeded")

	var traced interface{ StackTrace() errors.StackTrace }
	require.ErrorAs(t, err, &traced)
}

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "ta", r.FormValue("language"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		audio, _ := io.ReadAll(file)
		require.Equal(t, "RIFF", string(audio))

		fmt.Fprint(w, `{"text":"enakku thalaivali","language":"ta"}`)
	}))
	defer srv.Close()

	text, err := NewWhisperClient(srv.URL).Transcribe(context.Background(), []byte("RIFF"), "ta")
	require.NoError(t, err)
	require.Equal(t, "enakku thalaivali", text)
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/voice-1"))
		require.Equal(t, "xi-key", r.Header.Get("xi-api-key"))

		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "es", req.LanguageCode)

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	tts := NewElevenLabsClient(ElevenLabsConfig{APIKey: "xi-key", VoiceID: "voice-1", BaseURL: srv.URL})
	audio, err := tts.Synthesize(context.Background(), "¿Desde cuándo?", "es")
	require.NoError(t, err)
	require.Equal(t, "ID3", string(audio))
}
