// Package download defines what the read schedulers need from a download
// engine.
package download

import (
	"github.com/jech/stread/bitmap"
	"github.com/jech/stread/hash"
	"github.com/jech/stread/mono"
)

type State int

const (
	StateStopped State = iota
	StateDownloading
	StateSeeding
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Running returns true if data may arrive in this state.
func (s State) Running() bool {
	return s == StateDownloading || s == StateSeeding
}

type Download interface {
	Hash() hash.Hash
	State() State
	Paused() bool
	Destroyed() bool
	ForceStarted() bool
	SetForceStart(bool)
	// ForceStart returns the reference count shared by all readers of
	// this download.
	ForceStart() *ForceStart
	AddStateListener(func(old, new State)) (remove func())
	AddPeerListener(PeerListener) (remove func())
	// PeerManager and DiskManager return nil while the download is
	// not running.
	PeerManager() PeerManager
	DiskManager() DiskManager
	PieceSize() int64
	NumPieces() int
}

type File interface {
	Download() Download
	Index() int
	Name() string
	// Offset is the position of the file within the download.
	Offset() int64
	Length() int64
	Downloaded() int64
	Skipped() bool
	SetSkipped(bool)
	ReadAt(p []byte, off int64) (int, error)
	// AddWriteListener registers a function called with file-relative
	// ranges whenever data is written.
	AddWriteListener(func(offset, length int64)) (remove func())
	Close() error
}

// Complete returns true if every byte of f has been downloaded.
func Complete(f File) bool {
	return f.Downloaded() >= f.Length()
}

// PieceState is a snapshot of the disk state of a piece.  A nil Written
// bitmap means that block-level information is not available, and Done
// should be used instead.
type PieceState struct {
	Done      bool
	Written   bitmap.Bitmap
	BlockSize int
}

type DiskManager interface {
	NumPieces() int
	Piece(i int) PieceState
}

type PeerManager interface {
	PiecePicker() PiecePicker
	// Piece returns the active piece with index i, or nil.
	Piece(i int) ActivePiece
	Peers() []Peer
}

type ActivePiece interface {
	ReservedBy() Peer
	SetReservedBy(Peer)
}

type Peer interface {
	ReservedPieces() []int
	RemoveReservedPiece(int)
}

// Hint designates the region of the download that the piece picker
// should fetch first.
type Hint struct {
	Piece  int
	Offset int
	Length int
}

// NoHint clears the global request hint.
var NoHint = Hint{Piece: -1}

type PiecePicker interface {
	SetGlobalRequestHint(piece, offset, length int)
	GlobalRequestHint() (Hint, bool)
	SetReverseBlockOrder(bool)
	ReverseBlockOrder() bool
	AddRTAProvider(RTAProvider)
	RemoveRTAProvider(RTAProvider)
}

// RTAProvider supplies required times of availability, one per piece of
// the download.  Zero means no deadline.
type RTAProvider interface {
	UpdateRTAs(PiecePicker) []mono.Time
}

type PeerListener interface {
	PeerManagerAdded(PeerManager)
	PeerManagerRemoved(PeerManager)
}
