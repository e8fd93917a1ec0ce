package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendThenTakePreservesOrder(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Send(i)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, b.Take())
	}
}

func TestDrainToReturnsEverythingQueued(t *testing.T) {
	b := New()
	b.Send("a")
	b.Send("b")
	msgs := b.DrainTo()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0])
	assert.Equal(t, "b", msgs[1])
	assert.Nil(t, b.DrainTo())
}

func TestTakeBlocksUntilSend(t *testing.T) {
	b := New()
	done := make(chan any, 1)
	go func() {
		done <- b.Take()
	}()
	b.Send("hello")
	assert.Equal(t, "hello", <-done)
}

func TestTakeAllBlocksThenDrainsWhateverIsQueued(t *testing.T) {
	b := New()
	b.Send("a")
	b.Send("b")
	got := b.TakeAll()
	assert.Equal(t, []any{"a", "b"}, got)

	done := make(chan []any, 1)
	go func() {
		done <- b.TakeAll()
	}()
	b.Send("c")
	assert.Equal(t, []any{"c"}, <-done)
}

func TestConcurrentProducersPreserveOrderPerProducer(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	const perProducer = 50
	producers := 4
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Send([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	lastSeen := make(map[int]int)
	for i := 0; i < producers; i++ {
		lastSeen[i] = -1
	}
	for i := 0; i < producers*perProducer; i++ {
		msg := b.Take().([2]int)
		require.Greater(t, msg[1], lastSeen[msg[0]])
		lastSeen[msg[0]] = msg[1]
	}
}
