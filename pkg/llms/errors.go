package llms

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptgate/promptgate/pkg/protocol"
)

// parseErrorResponse maps a non-2xx provider response onto the generic error
// taxonomy, preserving the provider's message text.
func parseErrorResponse(resp *http.Response) *protocol.ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	perr := &protocol.ProviderError{
		Kind:    protocol.ClassifyStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: extractErrorMessage(body),
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
			perr.RetryAfter = d
		}
	}

	// Content filters hide behind 400 on some providers.
	if resp.StatusCode == http.StatusBadRequest && looksLikeContentFilter(perr.Message) {
		perr.Kind = protocol.ErrContentFilter
	}
	return perr
}

// extractErrorMessage digs the human-readable message out of the common
// provider error shapes:
//
//	{"error": {"message": "..."}}          OpenAI, Mistral, Azure
//	{"error": "..."}                       vLLM and other local servers
//	{"message": "..."}                     Anthropic (inside "error"), generic
//	[{"error": {"message": "..."}}]        Google batch form
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		var list []struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
			return list[0].Error.Message
		}
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	if len(envelope.Error) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(envelope.Error, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &asObject); err == nil {
		return asObject.Message
	}
	return ""
}

func looksLikeContentFilter(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "content filter") ||
		strings.Contains(lower, "safety") ||
		strings.Contains(lower, "blocked")
}
