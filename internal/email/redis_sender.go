package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"greendrake/tuition/internal/config"
)

// mockEmailTTL is how long a captured message stays readable.
const mockEmailTTL = 5 * time.Minute

// RedisSender stores messages in Redis instead of sending them, so tests and local runs can read them
// back from mockemail:<recipient>:<template id>.
type RedisSender struct {
	client redis.Cmdable
	cfg    *config.Config
}

// NewRedisSender creates a new RedisSender.
func NewRedisSender(client redis.Cmdable, cfg *config.Config) Sender {
	return &RedisSender{client: client, cfg: cfg}
}

// MockEmailKey is the key a captured message is stored under.
func MockEmailKey(recipient, templateID string) string {
	if templateID == "" {
		templateID = "unknown"
	}
	return fmt.Sprintf("mockemail:%s:%s", recipient, templateID)
}

// Send implements Sender.
func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	templateID := HeaderValue(rawMessage, TemplateHeader)
	primaryTo := ""
	if len(to) > 0 {
		primaryTo = to[0]
	}

	data, err := json.Marshal(map[string]any{
		"to":          strings.Join(to, ", "),
		"from":        s.cfg.SmtpFromAddress,
		"subject":     subject,
		"body":        string(rawMessage),
		"sent_at":     time.Now().UTC().Format(time.RFC3339Nano),
		"template_id": templateID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := MockEmailKey(primaryTo, templateID)
	if err := s.client.Set(ctx, key, data, mockEmailTTL).Err(); err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}
	log.Printf("Mock email stored in Redis key '%s' (TTL: %v, Subject: %s)", key, mockEmailTTL, subject)
	return nil
}
