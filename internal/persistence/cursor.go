// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/trainingsync/internal/domain"
)

// EncodeCursor serialises the cursor to an opaque page token.
func EncodeCursor(c *domain.ActivityCursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s|%d", c.StartDate.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token produced by EncodeCursor. An empty token means the first page.
func DecodeCursor(token string) (*domain.ActivityCursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor time: %w", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}
	return &domain.ActivityCursor{StartDate: ts, ID: id}, nil
}
