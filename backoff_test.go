package cachering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Run("should stay between half the base and the growing ceiling", func(t *testing.T) {
		// Arrange
		var (
			base  = 10 * time.Millisecond
			limit = 80 * time.Millisecond
			sut   = newBackoff(base, limit)
		)

		// Act & Assert
		for attempt := range 10 {
			var (
				delay   = sut.next()
				ceiling = min(base<<attempt, limit)
			)
			assert.GreaterOrEqual(t, delay, base/2, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, ceiling, "attempt %d", attempt)
		}
	})

	t.Run("should clamp max below base to base", func(t *testing.T) {
		// Arrange
		var sut = newBackoff(10*time.Millisecond, time.Millisecond)

		// Act
		var delay = sut.next()

		// Assert
		assert.LessOrEqual(t, delay, 10*time.Millisecond)
	})

	t.Run("should return early when the context is done", func(t *testing.T) {
		// Arrange
		var (
			sut         = newBackoff(time.Hour, time.Hour)
			ctx, cancel = context.WithCancel(context.Background())
		)
		cancel()

		// Act
		var err = sut.sleep(ctx)

		// Assert
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
