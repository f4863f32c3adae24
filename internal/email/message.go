package email

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"
)

// TemplateHeader names the header that carries the id of the template a message was rendered from.
const TemplateHeader = "X-Template-ID"

// Message is a plain-text notice ready to be composed.
type Message struct {
	From       string
	To         []string
	Subject    string
	Body       string
	TemplateID string
	Date       time.Time
}

// Compose renders m as an RFC 5322 message with CRLF line endings.
func Compose(m Message) ([]byte, error) {
	if len(m.To) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}
	if m.From == "" {
		return nil, fmt.Errorf("message has no sender")
	}
	for _, addr := range append([]string{m.From}, m.To...) {
		if strings.ContainsAny(addr, "\r\n") {
			return nil, fmt.Errorf("invalid address %q", addr)
		}
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	var sb strings.Builder
	sb.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	sb.WriteString("From: " + m.From + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", oneLine(m.Subject)) + "\r\n")
	sb.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	if m.TemplateID != "" {
		sb.WriteString(TemplateHeader + ": " + oneLine(m.TemplateID) + "\r\n")
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"))
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}

// HeaderValue returns the value of header name in a raw message, or "" if absent.
func HeaderValue(rawMessage []byte, name string) string {
	sc := bufio.NewScanner(bytes.NewReader(rawMessage))
	prefix := strings.ToLower(name) + ":"
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
