package ring

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPanicsOnBadCapacity(t *testing.T) {
	require.Panics(t, func() { New(0) })
	require.Panics(t, func() { New(3) })
	require.Panics(t, func() { New(1) })
}

func TestCountFreeInvariant(t *testing.T) {
	b := New(16)
	require.Equal(t, 15, b.Capacity())
	require.Equal(t, 0, b.Count())
	require.Equal(t, 15, b.Free())

	b.Write([]int16{1, 2, 3})
	require.Equal(t, 3, b.Count())
	require.Equal(t, 12, b.Free())
	require.Equal(t, b.Capacity(), b.Count()+b.Free())
}

func TestWriteReadFIFOAcrossWrap(t *testing.T) {
	b := New(8)
	out := make([]int16, 4)

	for round := 0; round < 20; round++ {
		in := []int16{int16(round*4 + 0), int16(round*4 + 1), int16(round*4 + 2), int16(round*4 + 3)}
		require.GreaterOrEqual(t, b.Free(), len(in))
		b.Write(in)
		require.GreaterOrEqual(t, b.Count(), len(out))
		b.Read(out)
		require.Equal(t, in, out)
	}
}

func TestResetDropsBufferedSamples(t *testing.T) {
	b := New(8)
	b.Write([]int16{1, 2, 3})
	require.Equal(t, 3, b.Count())
	b.Reset()
	require.Equal(t, 0, b.Count())
	require.Equal(t, b.Capacity(), b.Free())
}

// TestConcurrentSPSC exercises a real producer/consumer pair under the race
// detector: every sample written must be read exactly once, in order.
func TestConcurrentSPSC(t *testing.T) {
	const total = 200_000
	b := New(256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		rnd := rand.New(rand.NewSource(1))
		next := 0
		for next < total {
			chunk := 1 + rnd.Intn(32)
			if chunk > total-next {
				chunk = total - next
			}
			for b.Free() < chunk {
				// busy-wait: the consumer drains concurrently.
			}
			samples := make([]int16, chunk)
			for i := range samples {
				samples[i] = int16(next + i)
			}
			b.Write(samples)
			next += chunk
		}
	}()

	got := make([]int16, 0, total)
	go func() {
		defer wg.Done()
		buf := make([]int16, 32)
		for len(got) < total {
			n := b.Count()
			if n == 0 {
				continue
			}
			if n > len(buf) {
				n = len(buf)
			}
			b.Read(buf[:n])
			got = append(got, buf[:n]...)
		}
	}()

	wg.Wait()
	require.Len(t, got, total)
	for i, v := range got {
		require.Equal(t, int16(i), v, "sample %d out of order or corrupted", i)
	}
}
