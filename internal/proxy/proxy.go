// Package proxy is a transparent observer between the loop and the model
// server. Request and response bodies pass through byte for byte; copies
// are parsed on the side for the dashboard, per-turn logs and the story
// continuity check. Removing the proxy from the path changes nothing.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"franz/internal/audit"
	"franz/internal/config"
	"franz/internal/fsutil"
)

const upstreamTimeout = 120 * time.Second

type Server struct {
	cfg   config.ProxyConfig
	hub   *hub
	audit *audit.Logger

	client *http.Client

	mu           sync.Mutex
	turn         int
	lastResponse *string

	// Out receives the one-line console summary per observed turn.
	Out io.Writer
	// Errw receives warnings, including continuity violations.
	Errw io.Writer
}

func NewServer(cfg config.ProxyConfig, auditLog *audit.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    newHub(),
		audit:  auditLog,
		client: &http.Client{Timeout: upstreamTimeout},
		Out:    os.Stdout,
		Errw:   os.Stderr,
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/", s.handleProxy)
	mux.HandleFunc("/ws", s.hub.serveWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleDashboard)

	srv := &http.Server{
		Addr:    net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port)),
		Handler: mux,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Fprintf(s.Out, "[proxy] listening on %s, forwarding to %s\n", srv.Addr, s.cfg.Upstream)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "turn": turn})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(dashboardHTML))
}

// handleProxy forwards one chat-completions request. The bytes written
// upstream and the bytes written back are exactly the bytes received; all
// inspection happens on parsed copies.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.turn++
	turn := s.turn
	s.mu.Unlock()

	start := time.Now()
	rawRequest, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request: "+err.Error(), http.StatusBadGateway)
		return
	}

	reqParsed := parseRequest(rawRequest)
	check := s.verifyStory(reqParsed.StoryText)
	if check.Verified && !check.Match {
		fmt.Fprintf(s.Errw, "[proxy] story continuity violation on turn %d: %s\n", turn, check.Detail)
		if s.audit != nil {
			_ = s.audit.LogEvent(r.Context(), audit.EventSSTDivergence, map[string]any{
				"turn":   turn,
				"detail": check.Detail,
			})
		}
	}

	status, rawResponse, errDetail := s.forward(r.Context(), r.URL.Path, rawRequest)
	latency := time.Since(start)

	respParsed := parseResponse(rawResponse)
	if respParsed.Text != "" {
		s.mu.Lock()
		text := respParsed.Text
		s.lastResponse = &text
		s.mu.Unlock()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(rawResponse)))
	w.WriteHeader(status)
	_, _ = w.Write(rawResponse)

	entry := s.buildEntry(turn, latency, status, rawRequest, rawResponse, reqParsed, respParsed, check, errDetail)
	s.logTurn(turn, entry)

	indicator := "ok"
	if check.Verified && !check.Match {
		indicator = "VIOLATION"
	}
	fmt.Fprintf(s.Out, "[proxy] turn=%d latency=%dms status=%d story=%s req=%s resp=%s\n",
		turn, latency.Milliseconds(), status, indicator,
		humanize.Bytes(uint64(len(rawRequest))), humanize.Bytes(uint64(len(rawResponse))))

	if buf, err := json.Marshal(entry); err == nil {
		s.hub.broadcast(buf)
	}
}

func (s *Server) forward(ctx context.Context, path string, rawRequest []byte) (int, []byte, string) {
	upstream := strings.TrimRight(s.cfg.Upstream, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(rawRequest))
	if err != nil {
		return http.StatusInternalServerError, errorBody(err), err.Error()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		fmt.Fprintf(s.Errw, "[proxy] upstream error: %v\n", err)
		return http.StatusBadGateway, errorBody(err), err.Error()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(s.Errw, "[proxy] upstream read error: %v\n", err)
		return http.StatusBadGateway, errorBody(err), err.Error()
	}
	return resp.StatusCode, raw, ""
}

func errorBody(err error) []byte {
	buf, _ := json.Marshal(map[string]any{"error": err.Error()})
	return buf
}

// storyCheck is the continuity verdict for one observed request.
type storyCheck struct {
	Verified      bool   `json:"verified"`
	Match         bool   `json:"match"`
	PrevAvailable bool   `json:"prev_available"`
	Detail        string `json:"detail"`
}

// verifyStory compares the request's story slot to the response text seen
// last turn. The check is read-only; a mismatch is reported, never repaired.
func (s *Server) verifyStory(story string) storyCheck {
	s.mu.Lock()
	prev := s.lastResponse
	s.mu.Unlock()

	if prev == nil {
		detail := "first observed turn with non-empty story (no baseline to compare)"
		if story == "" {
			detail = "turn 1: empty story, no previous response"
		}
		return storyCheck{Verified: true, Match: true, Detail: detail}
	}
	if story == *prev {
		return storyCheck{
			Verified:      true,
			Match:         true,
			PrevAvailable: true,
			Detail:        fmt.Sprintf("story matches previous response (%d chars)", len(story)),
		}
	}

	pos := len(story)
	if len(*prev) < pos {
		pos = len(*prev)
	}
	for i := 0; i < pos; i++ {
		if story[i] != (*prev)[i] {
			pos = i
			break
		}
	}
	return storyCheck{
		Verified:      true,
		PrevAvailable: true,
		Detail: fmt.Sprintf("texts differ at position %d (story length=%d, previous length=%d)",
			pos, len(story), len(*prev)),
	}
}

type parsedRequest struct {
	Model         string         `json:"model"`
	StoryText     string         `json:"story_text"`
	FeedbackText  string         `json:"feedback_text"`
	HasImage      bool           `json:"has_image"`
	ImageDataURI  string         `json:"image_data_uri"`
	Sampling      map[string]any `json:"sampling"`
	MessagesCount int            `json:"messages_count"`
	ParseError    string         `json:"parse_error,omitempty"`
}

func parseRequest(raw []byte) parsedRequest {
	out := parsedRequest{Sampling: map[string]any{}}

	var obj struct {
		Model       string            `json:"model"`
		Messages    []json.RawMessage `json:"messages"`
		Temperature *float64          `json:"temperature"`
		TopP        *float64          `json:"top_p"`
		MaxTokens   *int              `json:"max_tokens"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		out.ParseError = err.Error()
		return out
	}
	out.Model = obj.Model
	out.MessagesCount = len(obj.Messages)
	if obj.Temperature != nil {
		out.Sampling["temperature"] = *obj.Temperature
	}
	if obj.TopP != nil {
		out.Sampling["top_p"] = *obj.TopP
	}
	if obj.MaxTokens != nil {
		out.Sampling["max_tokens"] = *obj.MaxTokens
	}

	if len(obj.Messages) > 1 {
		text, _, _ := messageParts(obj.Messages[1])
		out.StoryText = text
	}
	if len(obj.Messages) > 2 {
		text, hasImage, uri := messageParts(obj.Messages[2])
		out.FeedbackText = text
		out.HasImage = hasImage
		out.ImageDataURI = uri
	}
	return out
}

// messageParts extracts the first text part and any image data URI from a
// chat message whose content is either a string or a part list.
func messageParts(raw json.RawMessage) (text string, hasImage bool, imageURI string) {
	var withString struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &withString); err == nil && withString.Content != "" {
		return withString.Content, false, ""
	}

	var withParts struct {
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &withParts); err != nil {
		return "", false, ""
	}
	for _, part := range withParts.Content {
		switch part.Type {
		case "text":
			if text == "" {
				text = part.Text
			}
		case "image_url":
			hasImage = true
			imageURI = part.ImageURL.URL
		}
	}
	return text, hasImage, imageURI
}

type parsedResponse struct {
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason"`
	Usage        map[string]any `json:"usage,omitempty"`
	ParseError   string         `json:"parse_error,omitempty"`
}

func parseResponse(raw []byte) parsedResponse {
	var obj struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	out := parsedResponse{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		out.ParseError = err.Error()
		return out
	}
	if len(obj.Choices) > 0 {
		out.Text = obj.Choices[0].Message.Content
		out.FinishReason = obj.Choices[0].FinishReason
	}
	out.Usage = obj.Usage
	return out
}

func (s *Server) buildEntry(turn int, latency time.Duration, status int, rawRequest, rawResponse []byte, req parsedRequest, resp parsedResponse, check storyCheck, errDetail string) map[string]any {
	return map[string]any{
		"turn":       turn,
		"timestamp":  time.Now().Format(time.RFC3339),
		"latency_ms": latency.Milliseconds(),
		"request": map[string]any{
			"model":           req.Model,
			"story_text":      req.StoryText,
			"story_length":    len(req.StoryText),
			"feedback_text":   req.FeedbackText,
			"has_image":       req.HasImage,
			"image_data_uri":  req.ImageDataURI,
			"sampling":        req.Sampling,
			"messages_count":  req.MessagesCount,
			"body_size_bytes": len(rawRequest),
			"parse_error":     req.ParseError,
		},
		"response": map[string]any{
			"status":          status,
			"text":            resp.Text,
			"text_length":     len(resp.Text),
			"finish_reason":   resp.FinishReason,
			"usage":           resp.Usage,
			"body_size_bytes": len(rawResponse),
			"parse_error":     resp.ParseError,
			"error":           errDetail,
		},
		"story_check": check,
	}
}

func (s *Server) logTurn(turn int, entry map[string]any) {
	if strings.TrimSpace(s.cfg.LogDir) == "" {
		return
	}
	buf, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return
	}
	name := filepath.Join(s.cfg.LogDir, fmt.Sprintf("turn_%04d.json", turn))
	if err := fsutil.WriteFileAtomic(name, append(buf, '\n'), 0o644); err != nil {
		fmt.Fprintf(s.Errw, "[proxy] log turn: %v\n", err)
	}
}
