package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDRange_FallsBackToFullRangeWhenPrioritySlotsTooLarge(t *testing.T) {
	p := &Pipeline{peerCount: 10, prioritySlots: 10}
	start, end := p.idRange(true)
	assert.Equal(t, 1, start)
	assert.Equal(t, 10, end)
}

func TestIDRange_SplitsPriorityAndStandardWindows(t *testing.T) {
	p := &Pipeline{peerCount: 100, prioritySlots: 5}

	start, end := p.idRange(true)
	assert.Equal(t, 1, start)
	assert.Equal(t, 5, end)

	start, end = p.idRange(false)
	assert.Equal(t, 6, start)
	assert.Equal(t, 100, end)
}
