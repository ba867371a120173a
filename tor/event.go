package tor

import (
	"github.com/jech/stread/download"
)

// TorEvent is sent to a torrent's event loop.
type TorEvent interface{}

// TorUpdate asks the torrent to recompute its state.
type TorUpdate struct{}

// TorData is sent when data has been stored in a piece.
type TorData struct {
	Index    uint32
	Begin    uint32
	Length   uint32
	Complete bool
}

// TorDrop is sent when a writer is closed before all of the data it
// was created for has been written.
type TorDrop struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// TorFetched is sent when a fetch terminates.
type TorFetched struct {
	Peer   *Peer
	Index  uint32
	Length int64
}

type TorStats struct {
	Length    int64
	PieceSize uint32
	NumPieces int
	Complete  int
	NumPeers  int
	Memory    int64
	State     download.State
	Fetching  bool
}

type TorGetStats struct {
	Ch chan<- *TorStats
}

type TorGoAway struct{}
