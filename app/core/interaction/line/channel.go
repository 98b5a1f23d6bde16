package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/app/pkg/logger"
	"taskline/app/pkg/types"
)

const defaultAPIRoot = "https://api.line.me"

type Config struct {
	ChannelAccessToken string
	ChannelSecret      string
	Port               int
	APIRoot            string
	ShutdownTimeout    time.Duration
}

// Channel serves the Messaging API webhook and sends replies and pushes
// through the REST endpoints.
type Channel struct {
	cfg     Config
	id      string
	server  *http.Server
	handler func(types.Event)
	client  *http.Client
}

func NewChannel(cfg Config) *Channel {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Channel{cfg: cfg, id: "line", client: http.DefaultClient}
}

func (c *Channel) ID() string {
	return c.id
}

// Start blocks serving the webhook until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler func(types.Event)) error {
	if strings.TrimSpace(c.cfg.ChannelAccessToken) == "" {
		return fmt.Errorf("line channel access token is required")
	}
	if strings.TrimSpace(c.cfg.ChannelSecret) == "" {
		return fmt.Errorf("line channel secret is required")
	}
	c.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleRoot)
	mux.HandleFunc("/callback", c.handleCallback)

	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("[Line] shutdown error: %v", err)
		}
	}()

	logger.Info("[Line] listening on port %d", c.cfg.Port)
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (c *Channel) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Bot is running"))
}

func (c *Channel) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if !c.validSignature(r.Header.Get("X-Line-Signature"), body) {
		logger.Error("[Line] webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	for _, raw := range payload.Events {
		ev, ok := c.toEvent(raw)
		if !ok {
			continue
		}
		if c.handler != nil {
			// the webhook must ack fast; delivery to the handler is async
			go c.handler(ev)
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// validSignature checks the HMAC-SHA256 digest of the raw body against the
// base64 value in X-Line-Signature.
func (c *Channel) validSignature(header string, body []byte) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.ChannelSecret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(header), []byte(want)) == 1
}

func (c *Channel) toEvent(raw webhookEvent) (types.Event, bool) {
	ev := types.Event{
		UserID:     raw.Source.UserID,
		ReplyToken: raw.ReplyToken,
		RequestID:  uuid.NewString(),
	}
	if ev.UserID == "" {
		return types.Event{}, false
	}

	switch raw.Type {
	case "message":
		if raw.Message.Type != "text" || strings.TrimSpace(raw.Message.Text) == "" {
			return types.Event{}, false
		}
		ev.Type = types.EventTypeText
		ev.Text = raw.Message.Text
	case "postback":
		if raw.Postback.Data == "" {
			return types.Event{}, false
		}
		ev.Type = types.EventTypePostback
		ev.PostbackData = raw.Postback.Data
		ev.PostbackParams = raw.Postback.Params
	default:
		return types.Event{}, false
	}
	return ev, true
}

// Reply answers one inbound event via its reply token.
func (c *Channel) Reply(ctx context.Context, replyToken string, msgs []types.Message) error {
	if strings.TrimSpace(replyToken) == "" {
		return fmt.Errorf("line reply token is required")
	}
	payload := map[string]interface{}{
		"replyToken": replyToken,
		"messages":   buildMessages(msgs),
	}
	return c.call(ctx, "/v2/bot/message/reply", payload)
}

// Push sends unsolicited messages to a user.
func (c *Channel) Push(ctx context.Context, userID string, msgs []types.Message) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("line user id is required")
	}
	payload := map[string]interface{}{
		"to":       userID,
		"messages": buildMessages(msgs),
	}
	return c.call(ctx, "/v2/bot/message/push", payload)
}

func buildMessages(msgs []types.Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		switch m.Type {
		case types.MessageTypeFlex:
			out = append(out, map[string]interface{}{
				"type":     "flex",
				"altText":  m.AltText,
				"contents": m.Contents,
			})
		default:
			out = append(out, map[string]interface{}{
				"type": "text",
				"text": m.Text,
			})
		}
	}
	return out
}

func (c *Channel) call(ctx context.Context, path string, payload interface{}) error {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + path
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelAccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("line api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
	Postback struct {
		Data   string               `json:"data"`
		Params types.PostbackParams `json:"params"`
	} `json:"postback"`
}
