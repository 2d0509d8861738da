package transport

// CASBackend is the dedup index of chunk checksums received by this
// process: ChunkReceiver records the checksum of every chunk it accepts
// and answers a sender's chunk-have request from it. Nothing on the send
// side consults it.
type CASBackend interface {
	HasChunk(checksum [32]byte) bool
	PutChunk(checksum [32]byte) error
}

var casBackend CASBackend

// SetCASBackend installs the process-wide dedup backend.
func SetCASBackend(b CASBackend) { casBackend = b }

func casHas(checksum [32]byte) bool {
	if casBackend == nil {
		return false
	}
	return casBackend.HasChunk(checksum)
}

func casPut(checksum [32]byte) {
	if casBackend == nil {
		return
	}
	_ = casBackend.PutChunk(checksum)
}
