package pagination

import (
	"fmt"
	"strconv"
)

// Limits for list endpoints
const (
	DefaultLimit = 50
	MaxLimit     = 500
	MinLimit     = 1
)

// ParseLimit parses a limit query parameter. Empty means DefaultLimit;
// out-of-range values are clamped to [MinLimit, MaxLimit].
func ParseLimit(limitStr string) (int, error) {
	if limitStr == "" {
		return DefaultLimit, nil
	}

	l, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	switch {
	case l < MinLimit:
		return MinLimit, nil
	case l > MaxLimit:
		return MaxLimit, nil
	default:
		return l, nil
	}
}

// ListResponse wraps a bounded list
type ListResponse struct {
	Limit int         `json:"limit"`
	Count int         `json:"count"`
	Data  interface{} `json:"data"`
}
