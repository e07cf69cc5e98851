package domain

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTopK applies when a request leaves top_k unset.
	DefaultTopK    = 10
	maxQueryLength = 1000
)

// Template and prompt-override fragments that should never reach the prompt.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$\{.*\}`),
	regexp.MustCompile(`(?i)\{\{.*\}\}`),
	regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above)\s+instructions\b`),
}

// ValidateQueryRequest normalizes and validates a search request. It returns
// the request with the query trimmed and the default top_k applied.
func ValidateQueryRequest(req QueryRequest, maxTopK int) (QueryRequest, error) {
	req.Query = strings.TrimSpace(req.Query)

	if req.Query == "" {
		return req, NewValidationError("query", req.Query, ErrQueryEmpty)
	}
	if utf8.RuneCountInString(req.Query) > maxQueryLength {
		return req, NewValidationError("query", ConversationTitle(req.Query), ErrQueryTooLong)
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(req.Query) {
			return req, NewValidationError("query", req.Query, ErrQueryInjection)
		}
	}

	if req.TopK == 0 {
		req.TopK = DefaultTopK
	}
	if req.TopK < 1 || (maxTopK > 0 && req.TopK > maxTopK) {
		return req, NewValidationError("top_k", strconv.Itoa(req.TopK), ErrTopKOutOfRange)
	}

	if req.UserID != nil && *req.UserID <= 0 {
		return req, NewValidationError("user_id", strconv.FormatInt(*req.UserID, 10), ErrInvalidUserID)
	}
	return req, nil
}
