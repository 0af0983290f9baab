package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampPct(t *testing.T) {
	total := 100 * time.Second

	assert.Equal(t, 0, clampPct(0, total))
	assert.Equal(t, 0, clampPct(-time.Second, total))
	assert.Equal(t, 50, clampPct(50*time.Second, total))
	assert.Equal(t, 99, clampPct(99*time.Second+900*time.Millisecond, total))
	// Never reports done while the process is still running.
	assert.Equal(t, 99, clampPct(100*time.Second, total))
	assert.Equal(t, 99, clampPct(200*time.Second, total))
}
