package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/"}, nil)
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{}, nil)
	if c.baseURL != "http://localhost:11434" || c.embedModel != DefaultEmbedModel ||
		c.chatModel != DefaultChatModel || c.visionModel != DefaultVisionModel {
		t.Errorf("unexpected defaults: %+v", c)
	}
}

func TestEmbed_Batches(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls.Add(1)
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultEmbedModel {
			t.Errorf("model = %q", req.Model)
		}
		resp := embedResponse{}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(in)), 1})
		}
		json.NewEncoder(w).Encode(resp)
	})

	texts := make([]string, EmbedBatchSize+6)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	got, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(got))
	}
	for i, v := range got {
		if v[0] != float32(i+1) {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 batched calls, got %d", calls.Load())
	}
}

func TestEmbed_Empty(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	if _, err := c.Embed(context.Background(), nil); !errors.Is(err, domain.ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestEmbed_Errors(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}},
		{"count mismatch", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"embeddings":[]}`))
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.h)
			if _, err := c.Embed(context.Background(), []string{"a"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func streamHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			http.Error(w, "expected stream", http.StatusBadRequest)
			return
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			w.(http.Flusher).Flush()
		}
	}
}

func collect(t *testing.T, ch <-chan domain.StreamToken) (string, domain.StreamToken) {
	t.Helper()
	var b strings.Builder
	var last domain.StreamToken
	for tok := range ch {
		b.WriteString(tok.Content)
		last = tok
	}
	return b.String(), last
}

func TestStreamGenerate(t *testing.T) {
	c := newTestClient(t, streamHandler(
		`{"message":{"content":"Hel"},"done":false}`,
		``,
		`not json`,
		`{"message":{"content":"lo"},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	))
	ch, err := c.StreamGenerate(context.Background(), domain.GenerateRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	text, last := collect(t, ch)
	if text != "Hello" || !last.Done || last.Err != nil {
		t.Errorf("text=%q last=%+v", text, last)
	}
}

func TestStreamGenerate_SendsTranscript(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"done":true}`)
	})
	ch, err := c.StreamGenerate(context.Background(), domain.GenerateRequest{
		SystemPrompt: "be brief",
		History:      []domain.Turn{{Role: domain.RoleUser, Content: "earlier"}},
		DocContext:   "chunk",
		Message:      "now",
	})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	collect(t, ch)
	if len(got.Messages) != 3 || got.Messages[0].Role != "system" || got.Messages[1].Content != "earlier" {
		t.Fatalf("unexpected transcript: %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[2].Content, "chunk") || !strings.HasSuffix(got.Messages[2].Content, "now") {
		t.Errorf("context not folded into user message: %q", got.Messages[2].Content)
	}
}

func TestStreamGenerate_MidStreamError(t *testing.T) {
	c := newTestClient(t, streamHandler(
		`{"message":{"content":"partial"},"done":false}`,
		`{"error":"model crashed"}`,
	))
	ch, err := c.StreamGenerate(context.Background(), domain.GenerateRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	text, last := collect(t, ch)
	if text != "partial" || last.Err == nil || !strings.Contains(last.Err.Error(), "model crashed") {
		t.Errorf("text=%q last=%+v", text, last)
	}
}

func TestStreamGenerate_TruncatedStream(t *testing.T) {
	c := newTestClient(t, streamHandler(`{"message":{"content":"cut"},"done":false}`))
	ch, err := c.StreamGenerate(context.Background(), domain.GenerateRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	_, last := collect(t, ch)
	if last.Err == nil {
		t.Error("expected an error for a stream without done")
	}
}

func TestStreamGenerate_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := c.StreamGenerate(context.Background(), domain.GenerateRequest{Message: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamGenerate_Cancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, `{"message":{"content":"t%d "},"done":false}`+"\n", i)
			w.(http.Flusher).Flush()
		}
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StreamGenerate(ctx, domain.GenerateRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reply   string
		want    domain.Route
		wantErr bool
	}{
		{"BOTH", domain.RouteBoth, false},
		{" web_only\n", domain.RouteWebOnly, false},
		{"I think DOCS_ONLY", "", true},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req chatRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Stream || !strings.Contains(req.Messages[0].Content, "Classify this user query") {
				t.Errorf("unexpected request: %+v", req)
			}
			json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": tt.reply}, "done": true})
		})
		got, err := c.Classify(context.Background(), "q", true)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("reply %q: got %q, %v", tt.reply, got, err)
		}
	}
}

func TestDescribe(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G'}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultVisionModel {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 ||
			req.Messages[0].Images[0] != base64.StdEncoding.EncodeToString(img) {
			t.Errorf("image not attached: %+v", req.Messages)
		}
		w.Write([]byte(`{"message":{"content":"  A bar chart of revenue. "},"done":true}`))
	})
	got, err := c.Describe(context.Background(), img)
	if err != nil || got != "A bar chart of revenue." {
		t.Errorf("Describe = %q, %v", got, err)
	}
}

func TestDescribe_ErrorField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":"model llava not found"}`))
	})
	if _, err := c.Describe(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error")
	}
}
