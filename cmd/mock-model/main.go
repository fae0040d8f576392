// Package main implements a mock model server for cascade development and
// testing. It serves OpenAI-compatible /v1/chat/completions responses
// without a real model: classification prompts get a canned tier decision,
// everything else echoes a fixture or a default completion. This keeps
// generative and agentic tier tests fast, deterministic, and offline.
//
// Usage:
//
//	mock-model -port 11434 [-fixtures /path/to/fixtures]
//
// Fixture files are JSON named by model (e.g. "mock-gen.json" answers
// requests for model "mock-gen"); the file content becomes the assistant
// message. Without a fixture the server replies with a generic completion.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type mockServer struct {
	fixtures string
	calls    atomic.Int64
}

func main() {
	port := flag.Int("port", 11434, "listen port")
	fixtures := flag.String("fixtures", "", "directory of per-model JSON fixture files")
	flag.Parse()

	srv := &mockServer{fixtures: *fixtures}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", srv.handleCompletions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock-model listening on %s (fixtures: %q)", addr, *fixtures)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (s *mockServer) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	n := s.calls.Add(1)

	content := s.respond(req)
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", n),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// respond picks the reply: a model fixture when one exists, a canned tier
// decision for classification prompts, a generic completion otherwise.
func (s *mockServer) respond(req chatRequest) string {
	if s.fixtures != "" {
		path := filepath.Join(s.fixtures, req.Model+".json")
		if data, err := os.ReadFile(path); err == nil {
			return string(data)
		}
	}

	if isClassification(req) {
		return `{"type": "code", "confidence": 0.95, "reasoning": "deterministic transformation"}`
	}
	return `{"output": "mock completion"}`
}

func isClassification(req chatRequest) bool {
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "execution tier") {
			return true
		}
	}
	return false
}
