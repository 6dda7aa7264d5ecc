package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// handlerFunc is one extraction strategy: given a URL it returns raw text
// or an error. Handlers own no timeout; the dispatcher applies the tier's.
type handlerFunc func(ctx context.Context, url string) (string, error)

// tier is one row of a category's strategy table: a handler with its
// timeout, an optional retry policy, and an optional secondary fallback
// handler with its own timeout.
type tier struct {
	name            string
	run             handlerFunc
	timeout         time.Duration
	retries         int
	backoff         time.Duration
	fallback        handlerFunc
	fallbackName    string
	fallbackTimeout time.Duration
	// minLen overrides the category minimum for this tier when > 0. The
	// cheap-HTTP tier of the generic category uses a higher bar so thin
	// results still escalate to the browser.
	minLen int
}

// errTooShort marks an extraction that ran but produced less text than the
// category minimum; the dispatcher treats it like any other tier failure.
var errTooShort = errors.New("extracted content below minimum length")

// runTiers walks the strategy table in order and returns the first
// extraction meeting minLen, along with the name of the tier that produced
// it. All tiers failing yields the last error.
func (e *Extractor) runTiers(ctx context.Context, url string, tiers []tier, minLen int) (string, string, error) {
	var lastErr error
	for _, t := range tiers {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		tierMin := minLen
		if t.minLen > 0 {
			tierMin = t.minLen
		}
		content, err := e.runTier(ctx, url, t, tierMin)
		if err == nil {
			return content, t.name, nil
		}
		lastErr = err
		e.logger.Debug("extraction tier failed",
			zap.String("url", url),
			zap.String("tier", t.name),
			zap.Error(err),
		)

		if t.fallback == nil {
			continue
		}
		content, err = e.attempt(ctx, url, t.fallback, t.fallbackTimeout, tierMin)
		if err == nil {
			return content, t.fallbackName, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no extraction tiers configured")
	}
	return "", "", lastErr
}

func (e *Extractor) runTier(ctx context.Context, url string, t tier, minLen int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 && t.backoff > 0 {
			select {
			case <-time.After(t.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		content, err := e.attempt(ctx, url, t.run, t.timeout, minLen)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return "", lastErr
}

func (e *Extractor) attempt(ctx context.Context, url string, h handlerFunc, timeout time.Duration, minLen int) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	content, err := h(ctx, url)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if len([]rune(content)) < minLen {
		return "", fmt.Errorf("%w: got %d runes, want %d", errTooShort, len([]rune(content)), minLen)
	}
	return content, nil
}
