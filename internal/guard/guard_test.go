package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-markets/callvault/internal/domain"
)

func TestGuard(t *testing.T) {
	t.Run("rejects reentrant acquisition", func(t *testing.T) {
		var g Guard

		release, err := g.Enter()
		require.NoError(t, err)
		assert.True(t, g.Held())

		_, err = g.Enter()
		assert.ErrorIs(t, err, domain.ErrReentrancy)

		release()
		assert.False(t, g.Held())
	})

	t.Run("reusable after release", func(t *testing.T) {
		var g Guard

		release, err := g.Enter()
		require.NoError(t, err)
		release()

		release, err = g.Enter()
		require.NoError(t, err)
		release()
	})

	t.Run("release is idempotent enough for defer plus explicit call", func(t *testing.T) {
		var g Guard

		release, err := g.Enter()
		require.NoError(t, err)
		release()
		release()

		_, err = g.Enter()
		assert.NoError(t, err)
	})
}
