package surfacetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIcosphereCounts(t *testing.T) {
	tests := []struct {
		level, vertices, faces int
	}{
		{0, 12, 20},
		{1, 42, 80},
		{2, 162, 320},
	}
	for _, tt := range tests {
		m := Icosphere(tt.level)
		assert.Equal(t, tt.vertices, m.VertexCount(), "level %d", tt.level)
		assert.Equal(t, tt.faces, m.FaceCount(), "level %d", tt.level)
		require.NoError(t, m.Validate())
	}
}
