package harness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGolden_NotarizeBasic(t *testing.T) {
	scenario := loadTestScenario(t, "notarize-basic")
	require.NoError(t, RunWithGolden(t, scenario))
}
