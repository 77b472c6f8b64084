package exchange

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/pkg/errors"
)

// Binance API error codes that indicate a transient condition worth retrying.
const (
	binanceCodeUnknown         = -1000
	binanceCodeDisconnected    = -1001
	binanceCodeTooManyRequests = -1003
	binanceCodeTimeout         = -1007
	binanceCodeServerBusy      = -1008
)

// isTransient reports whether an API call failure is worth retrying.
// Validation errors and order rejections never are; network failures and
// exchange-side congestion always are.
func isTransient(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var apiErr *common.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.Code {
		case binanceCodeUnknown, binanceCodeDisconnected, binanceCodeTooManyRequests,
			binanceCodeTimeout, binanceCodeServerBusy:
			return true
		}

		// 5xx responses surface as positive codes in some error paths.
		return false
	}

	return false
}

// retryPolicy holds the gateway's retry tunables.
type retryPolicy struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// withRetry runs op with exponential backoff, retrying only transient
// failures. Non-transient errors are returned immediately; exhausting the
// retry budget returns an ErrCodeRetryExhausted wrapping the last failure.
func (g *Gateway) withRetry(ctx context.Context, opName string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retry.initialDelay
	bo.MaxInterval = g.retry.maxDelay
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(g.retry.maxRetries)),
		ctx,
	)

	attempt := 0

	err := backoff.Retry(func() error {
		attempt++

		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := op()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return backoff.Permanent(err)
		}

		g.logger.Warn("transient exchange error, retrying",
			zap.String("op", opName),
			zap.Int("attempt", attempt),
			zap.Error(err))

		return err
	}, policy)
	if err == nil {
		return nil
	}

	if isTransient(err) {
		return errors.Wrapf(errors.ErrCodeRetryExhausted, err, "%s failed after %d attempts", opName, attempt)
	}

	return err
}
