package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_Exponential(t *testing.T) {
	base := 5 * time.Second
	max := 2 * time.Minute

	assert.Equal(t, 5*time.Second, Delay(base, max, 1))
	assert.Equal(t, 10*time.Second, Delay(base, max, 2))
	assert.Equal(t, 20*time.Second, Delay(base, max, 3))
	assert.Equal(t, 40*time.Second, Delay(base, max, 4))
	assert.Equal(t, 80*time.Second, Delay(base, max, 5))
}

func TestDelay_Cap(t *testing.T) {
	base := 5 * time.Second
	max := 2 * time.Minute

	// 5s·2^5 = 160s > 120s — срабатывает потолок
	assert.Equal(t, max, Delay(base, max, 6))
	assert.Equal(t, max, Delay(base, max, 11))

	// Большие attempts не переполняются — всегда потолок
	assert.Equal(t, max, Delay(base, max, 1000))
}

func TestDelay_InvalidAttempt(t *testing.T) {
	base := time.Second
	max := time.Minute

	// attempt < 1 трактуется как первая попытка
	assert.Equal(t, base, Delay(base, max, 0))
	assert.Equal(t, base, Delay(base, max, -5))
}
