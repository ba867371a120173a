package bitmap

import (
	"math/rand/v2"
	"testing"
)

func TestString(t *testing.T) {
	var b Bitmap
	for i := 0; i < 14; i++ {
		b.Set(i*2 + 1)
	}
	a := b.String()
	e := "[01010101010101010101010101010000]"
	if a != e {
		t.Errorf("Got %v, expected %v for %v", a, e, []byte(b))
	}
}

func count(a []bool) int {
	count := 0
	for _, v := range a {
		if v {
			count++
		}
	}
	return count
}

func TestBitmap(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := make([]bool, 1000)
		b := New(1000)

		if !b.Empty() {
			t.Errorf("Empty failed")
		}
		if b.Count() != 0 {
			t.Errorf("Count failed")
		}
		for i := 0; i < 500; i++ {
			index := rand.IntN(1000)
			if rand.IntN(3) == 0 {
				a[index] = true
				b.Set(index)
				if b.Empty() {
					t.Errorf("Empty failed")
				}
			} else {
				a[index] = false
				b.Reset(index)
			}
			if b.Count() != count(a) {
				t.Errorf("Count failed: got %v, expected %v",
					b.Count(), count(a))
			}
		}
		for i := 0; i < 1000; i++ {
			if a[i] != b.Get(i) {
				t.Errorf("Mismatch at %v: %v != %v",
					i, a[i], b.Get(i))
			}
		}
		c := b.Copy()
		for i := 0; i < 1000; i++ {
			if b.Get(i) != c.Get(i) {
				t.Errorf("Copy mismatch at %v: %v != %v",
					i, a[i], b.Get(i))
			}
		}
	}
}

func TestNil(t *testing.T) {
	var b Bitmap
	if b.Get(3) || b.Get(-1) {
		t.Errorf("Get on nil bitmap returned true")
	}
	if b.Copy() != nil {
		t.Errorf("Copy of nil is not nil")
	}
	if n := b.RunForward(0, 10); n != 0 {
		t.Errorf("Got %v, expected 0", n)
	}
}

func TestExtend(t *testing.T) {
	for i := 0; i < 1024; i++ {
		var b Bitmap
		b.Extend(i)
		if len(b) != i/8+1 {
			t.Errorf("%v: got %v", i, len(b))
		}
	}
}

func TestMultiple(t *testing.T) {
	var b Bitmap
	b.SetMultiple(47)
	for i := 0; i < 47; i++ {
		if !b.Get(i) {
			t.Errorf("Set Multiple failed, %v is not set", i)
		}
	}
	for i := 47; i < 58; i++ {
		if b.Get(i) {
			t.Errorf("Set Multiple failed, %v is set", i)
		}
	}
}

func TestAll(t *testing.T) {
	var b Bitmap
	if !b.All(0) {
		t.Errorf("All failed: empty, 0")
	}
	if b.All(1) {
		t.Errorf("All failed: empty, 1")
	}
	for i := 0; i < 123; i++ {
		b.Set(i)
		if !b.All(i + 1) {
			t.Errorf("All failed: %v %v", b, i+1)
		}
		if b.All(i + 2) {
			t.Errorf("All failed: %v %v + 1", b, i+1)
		}
	}
	b.Reset(83)
	if b.All(123) {
		t.Errorf("All failed")
	}
}

func runForward(a []bool, from, to int) int {
	n := 0
	for i := from; i < to && a[i]; i++ {
		n++
	}
	return n
}

func runBackward(a []bool, from, to int) int {
	n := 0
	for i := from; i > to && a[i]; i-- {
		n++
	}
	return n
}

func TestRuns(t *testing.T) {
	for k := 0; k < 200; k++ {
		a := make([]bool, 100)
		b := New(100)
		density := rand.IntN(10) + 1
		for i := range a {
			if rand.IntN(density+1) != 0 {
				a[i] = true
				b.Set(i)
			}
		}
		from := rand.IntN(100)
		to := from + rand.IntN(100-from) + 1
		if n, e := b.RunForward(from, to), runForward(a, from, to); n != e {
			t.Errorf("RunForward(%v, %v): got %v, expected %v for %v",
				from, to, n, e, b)
		}
		to = rand.IntN(from+1) - 1
		if n, e := b.RunBackward(from, to), runBackward(a, from, to); n != e {
			t.Errorf("RunBackward(%v, %v): got %v, expected %v for %v",
				from, to, n, e, b)
		}
	}
}

func TestRunFull(t *testing.T) {
	var b Bitmap
	b.SetMultiple(64)
	if n := b.RunForward(0, 64); n != 64 {
		t.Errorf("Got %v, expected 64", n)
	}
	if n := b.RunForward(3, 20); n != 17 {
		t.Errorf("Got %v, expected 17", n)
	}
	if n := b.RunForward(60, 100); n != 4 {
		t.Errorf("Got %v, expected 4", n)
	}
	if n := b.RunBackward(63, -1); n != 64 {
		t.Errorf("Got %v, expected 64", n)
	}
	b.Reset(40)
	if n := b.RunForward(0, 64); n != 40 {
		t.Errorf("Got %v, expected 40", n)
	}
	if n := b.RunBackward(63, -1); n != 23 {
		t.Errorf("Got %v, expected 23", n)
	}
}

const size = 0x1000
const mask = 0xFFF

func BenchmarkSet(b *testing.B) {
	var bm Bitmap

	var v int
	for n := 0; n < b.N; n++ {
		bm.Set(v)
		v = (v + 1*3) % mask
	}
	if bm.Count() > b.N {
		b.Errorf("Bad count")
	}
}

func BenchmarkGet(b *testing.B) {
	var bm Bitmap

	for i := 0; i < size/10; i++ {
		bm.Set(rand.IntN(size))
	}

	b.ResetTimer()

	var v, count int
	for n := 0; n < b.N; n++ {
		if bm.Get(v) {
			count++
		}
		v = (v + 1*3) % mask
	}

	if count > b.N {
		b.Errorf("Bad count")
	}
}

func BenchmarkRunForward(b *testing.B) {
	var bm Bitmap
	bm.SetMultiple(size)

	b.ResetTimer()

	for n := 0; n < b.N; n++ {
		if bm.RunForward(0, size) != size {
			b.Errorf("Bad run")
		}
	}
}
