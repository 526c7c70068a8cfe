package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPtrCopies(t *testing.T) {
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	p := Ptr(at)
	at = at.Add(time.Hour)

	assert.Equal(t, 6, p.Hour())
	assert.Equal(t, "agent", *Ptr("agent"))
}
