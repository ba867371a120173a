package piece

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"

	"github.com/jech/stread/alloc"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}

func TestPieces(t *testing.T) {
	ps := &Pieces{}
	ps.Init(256*1024, 10*256*1024+133*1024)
	defer func() {
		ps.Del()
		if a := alloc.Bytes(); a != 0 {
			t.Errorf("Memory leak (%v bytes)", a)
		}
	}()

	if !ps.Bitmap().Empty() {
		t.Errorf("Bitmap not empty")
	}
	if ps.Length() != 10*256*1024+133*1024 {
		t.Errorf("Bad length")
	}
	if ps.PieceSize() != 256*1024 {
		t.Errorf("Bad piece size")
	}
	if ps.Num() != 11 {
		t.Errorf("Got %v pieces, expected 11", ps.Num())
	}
	if ps.PieceLength(4) != 256*1024 {
		t.Errorf("Bad length (inner piece)")
	}
	if ps.PieceLength(10) != 133*1024 {
		t.Errorf("Bad length (last piece)")
	}
	if ps.PieceLength(11) != 0 {
		t.Errorf("Bad length (after end)")
	}

	if !ps.PieceEmpty(4) {
		t.Errorf("Piece is not empty")
	}

	o, l := ps.Hole(0, 0)
	if o != 0 || l != 256*1024 {
		t.Errorf("Hole (empty): %v %v", o, l)
	}

	buf := make([]byte, 88)

	n, err := ps.ReadAt(buf, 42*1024)
	if n != 0 || err != nil {
		t.Errorf("ReadAt: %v %v", n, err)
	}

	n, err = ps.ReadAt(buf, ps.Length())
	if n != 0 || err != io.EOF {
		t.Errorf("ReadAt: %v %v", n, err)
	}

	data := pattern(256*1024, 3)
	count, complete, err := ps.AddData(1, 0, data[:16384])
	if count != 16384 || complete || err != nil {
		t.Errorf("AddData: %v %v %v", count, complete, err)
	}
	if ps.PieceComplete(1) {
		t.Errorf("Piece is complete")
	}
	if _, bm := ps.PieceBitmap(1); bm.Count() != 1 {
		t.Errorf("Piece bitmap not 1")
	}

	o, l = ps.Hole(1, 0)
	if o != 16*1024 || l != 256*1024-16*1024 {
		t.Errorf("Hole (partial): %v %v", o, l)
	}

	// partial pieces can be read up to the first missing chunk
	big := make([]byte, 20000)
	n, err = ps.ReadAt(big, 256*1024+1000)
	if n != 16384-1000 || err != nil {
		t.Errorf("ReadAt: %v %v", n, err)
	}
	if !bytes.Equal(big[:n], data[1000:16384]) {
		t.Errorf("ReadAt: bad data")
	}

	_, _, err = ps.AddData(1, 100, data[:16384])
	if err == nil {
		t.Errorf("AddData at odd offset succeeded")
	}

	count, complete, err = ps.AddData(1, 16384, data[16384:])
	if count != 256*1024-16384 || !complete || err != nil {
		t.Errorf("AddData: %v %v %v", count, complete, err)
	}
	if !ps.PieceComplete(1) {
		t.Errorf("Piece is not complete")
	}
	if _, bm := ps.PieceBitmap(1); bm.Count() != 256/16 {
		t.Errorf("Piece bitmap not %v", 256/16)
	}
	if !ps.Bitmap().Get(1) {
		t.Errorf("Bitmap doesn't have piece 1")
	}

	o, l = ps.Hole(1, 0)
	if o != ^uint32(0) || l != ^uint32(0) {
		t.Errorf("Hole (complete): %v %v", o, l)
	}

	n, err = ps.ReadAt(buf, 256*1024+20000)
	if n != len(buf) || err != nil {
		t.Errorf("ReadAt: %v %v", n, err)
	}

	// reads cross into the next piece only as far as it is written
	count, _, err = ps.AddData(2, 0, data[:32768])
	if count != 32768 || err != nil {
		t.Errorf("AddData: %v %v", count, err)
	}
	n, err = ps.ReadAt(big, 2*256*1024-1000)
	if n != len(big) || err != nil {
		t.Errorf("ReadAt: %v %v", n, err)
	}
	if !bytes.Equal(big[1000:], data[:n-1000]) {
		t.Errorf("ReadAt across pieces: bad data")
	}

	count, complete, err = ps.AddData(10, 128*1024, pattern(5*1024, 7))
	if count != 5*1024 || complete || err != nil {
		t.Errorf("AddData (last chunk): %v %v %v", count, complete, err)
	}
	o, l = ps.LastHole(10, 133*1024)
	if o != 112*1024 || l != 16*1024 {
		t.Errorf("LastHole: %v %v", o, l)
	}
	o, l = ps.Hole(10, 112*1024)
	if o != 112*1024 || l != 16*1024 {
		t.Errorf("Hole: %v %v", o, l)
	}

	if b := ps.Bytes(); b != 3*256*1024 {
		t.Errorf("Bytes: %v", b)
	}
	if c := ps.Count(); c != 3 {
		t.Errorf("Count: %v", c)
	}
}

func TestDeleted(t *testing.T) {
	ps := &Pieces{}
	ps.Init(32*1024, 100*1024)
	_, _, err := ps.AddData(0, 0, make([]byte, 16*1024))
	if err != nil {
		t.Errorf("AddData: %v", err)
	}
	ps.Del()
	_, _, err = ps.AddData(0, 0, make([]byte, 16*1024))
	if err != ErrDeleted {
		t.Errorf("Got %v, expected %v", err, ErrDeleted)
	}
	if ps.Update(0) {
		t.Errorf("Update on deleted pieces")
	}
}

func prepare(chunks uint32) (*Pieces, error) {
	ps := &Pieces{}
	chunk := make([]byte, 16*1024)
	ps.Init(256*1024, int64(chunks)*16*1024)

	for n := uint32(0); n < chunks; n++ {
		index := n / (256 / 16)
		begin := (n % (256 / 16)) * 16 * 1024
		_, _, err := ps.AddData(index, begin, chunk)
		if err != nil {
			return nil, err
		}
	}

	return ps, nil
}

func BenchmarkAdd(b *testing.B) {
	ps := &Pieces{}
	chunk := make([]byte, 16*1024)
	chunks := uint32(4096)
	ps.Init(256*1024, int64(chunks)*16*1024)
	counter := uint32(0)
	b.SetBytes(16 * 1024)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := (atomic.AddUint32(&counter, 1) - 1) % chunks
			index := n / (256 / 16)
			begin := (n % (256 / 16)) * 16 * 1024
			_, _, err := ps.AddData(index, begin, chunk)
			if err != nil {
				b.Errorf("AddData: %v", err)
			}
		}
	})

	ps.Del()
	if bytes := alloc.Bytes(); bytes != 0 {
		b.Errorf("%v bytes allocated", bytes)
	}
}

func BenchmarkReadUpdate(b *testing.B) {
	chunks := uint32(4096)
	ps, err := prepare(chunks)
	if err != nil {
		b.Fatalf("Prepare: %v", err)
	}

	b.SetBytes(16 * 1024)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, 16384)
		n := uint32(0)
		for pb.Next() {
			complete := ps.Update(n / (256 / 16))
			if !complete {
				b.Errorf("Update: %v", complete)
			}
			c, err := ps.ReadAt(buf, int64(n)*16*1024)
			if c != 16384 || err != nil {
				b.Errorf("ReadAt: %v %v", c, err)
			}
			n = (n + 1) % chunks
		}
	})

	ps.Del()
	if bytes := alloc.Bytes(); bytes != 0 {
		b.Errorf("%v bytes allocated", bytes)
	}
}
