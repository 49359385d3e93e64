package cell

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell(t *testing.T) {
	var zero Cell[int]
	assert.Equal(t, 0, zero.Get())

	c := NewCell(uint32(7))
	assert.Equal(t, uint32(7), c.Get())
	c.Set(9)
	assert.Equal(t, uint32(9), c.Get())
}

func TestCell_ConcurrentReadersSeeWholeValues(t *testing.T) {
	type pair struct{ a, b int }
	c := NewCell(pair{0, 0})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			c.Set(pair{i, -i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			p := c.Get()
			if p.a != -p.b {
				t.Errorf("torn read: %+v", p)
				return
			}
		}
	}()
	wg.Wait()
}

func TestRefCell_SharedBorrows(t *testing.T) {
	c := NewRefCell([]int{1, 2, 3})

	r1 := c.Borrow()
	r2 := c.Borrow()
	assert.Equal(t, 3, len(*r1.Get()))
	assert.Equal(t, 3, len(*r2.Get()))

	_, ok := c.TryBorrowMut()
	assert.False(t, ok)

	r1.Release()
	r2.Release()

	m := c.BorrowMut()
	*m.Get() = append(*m.Get(), 4)
	m.Release()

	r := c.Borrow()
	assert.Equal(t, []int{1, 2, 3, 4}, *r.Get())
	r.Release()
}

func TestRefCell_OverlapPanics(t *testing.T) {
	c := NewRefCell(0)

	r := c.Borrow()
	assert.PanicsWithValue(t, ErrAlreadyBorrowed, func() { c.BorrowMut() })
	r.Release()

	m := c.BorrowMut()
	assert.PanicsWithValue(t, ErrAlreadyMutablyBorrowed, func() { c.Borrow() })
	assert.PanicsWithValue(t, ErrAlreadyMutablyBorrowed, func() { c.BorrowMut() })
	m.Release()

	assert.PanicsWithValue(t, ErrReleased, func() { m.Release() })

	r = c.Borrow()
	r.Release()
	assert.PanicsWithValue(t, ErrReleased, func() { r.Release() })
}

func TestSyncCell(t *testing.T) {
	var mu sync.Mutex
	c := NewSyncCell(map[string]int{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			(*c.Get())["n"]++
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 8, (*c.Get())["n"])
}
