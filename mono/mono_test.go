package mono

import (
	"testing"
	"time"
)

func TestSub(t *testing.T) {
	t100 := Time(100)
	t200 := Time(200)

	if v := t100.Sub(t200); v != 0 {
		t.Errorf("Expected 0, got %v", v)
	}

	if v := t100.Sub(t100); v != 0 {
		t.Errorf("Expected 0, got %v", v)
	}

	if v := t200.Sub(t100); v != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", v)
	}

	if !t100.Before(t200) {
		t.Errorf("100 is not before 200")
	}

	if t100.Before(t100) {
		t.Errorf("100 is before 100")
	}

	if t200.Before(t100) {
		t.Errorf("200 is before 100")
	}
}

func TestAdd(t *testing.T) {
	t100 := Time(100)
	if v := t100.Add(1500 * time.Microsecond); v != 101 {
		t.Errorf("Expected 101, got %v", v)
	}
	if v := t100.Add(2 * time.Second); v != 2100 {
		t.Errorf("Expected 2100, got %v", v)
	}
}

func TestNow(t *testing.T) {
	t1 := Now()
	if t1 == 0 {
		t.Errorf("Now returned the zero time")
	}
	time.Sleep(50 * time.Millisecond)
	v := Since(t1)
	if v < 50*time.Millisecond || v > 5*time.Second {
		t.Errorf("Expected about 50ms, got %v", v)
	}
}

func TestAtomic(t *testing.T) {
	var tm Time
	StoreAtomic(&tm, 42)
	if v := LoadAtomic(&tm); v != 42 {
		t.Errorf("Expected 42, got %v", v)
	}
}
