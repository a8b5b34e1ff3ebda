package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockIsMonotonic(t *testing.T) {
	prev := nowMillis()
	for i := 0; i < 1000; i++ {
		next := nowMillis()
		assert.GreaterOrEqual(t, next, prev)
		prev = next
	}
}
