package chunker

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// StripeLayout records the data/parity shard counts actually used for
// one Reed-Solomon stripe. A transfer carries one per stripe; the counts
// differ between stripes when the final stripe is short or the adaptive
// FEC policy is running in PerStripe mode; the layout
// list lets Reconstruct replay the exact shard counts used at encode
// time without guessing them back from chunk count alone.
type StripeLayout struct {
	StripeIndex  int `json:"stripe_index"`
	DataShards   int `json:"data_shards"`
	ParityShards int `json:"parity_shards"`
}

// wireManifest is the JSON form of FileManifest exchanged over the
// control stream and persisted alongside a session. Checksums are
// base64-encoded since JSON has no byte-array type.
type wireManifest struct {
	FileID            string         `json:"file_id"`
	Filename          string         `json:"filename"`
	TotalBytes        int64          `json:"total_bytes"`
	ChunkSize         int            `json:"chunk_size"`
	TotalChunks       int            `json:"total_chunks"`
	DataChunks        int            `json:"data_chunks"`
	ParityChunks      int            `json:"parity_chunks"`
	Priority          int            `json:"priority"`
	Compress          bool           `json:"compress"`
	WholeFileChecksum string         `json:"whole_file_checksum"`
	MerkleRoot        string         `json:"merkle_root"`
	CreatedAt         time.Time      `json:"created_at"`
	Stripes           []StripeLayout `json:"stripes"`
}

// MarshalManifest encodes a manifest and its stripe layout for
// transmission or persistence.
func MarshalManifest(m FileManifest, stripes []StripeLayout) ([]byte, error) {
	w := wireManifest{
		FileID:            m.FileID,
		Filename:          m.Filename,
		TotalBytes:        m.TotalBytes,
		ChunkSize:         m.ChunkSize,
		TotalChunks:       m.TotalChunks,
		DataChunks:        m.DataChunks,
		ParityChunks:      m.ParityChunks,
		Priority:          int(m.Priority),
		Compress:          m.Compress,
		WholeFileChecksum: base64.StdEncoding.EncodeToString(m.WholeFileChecksum[:]),
		MerkleRoot:        base64.StdEncoding.EncodeToString(m.MerkleRoot[:]),
		CreatedAt:         m.CreatedAt,
		Stripes:           stripes,
	}
	return json.Marshal(w)
}

// UnmarshalManifest decodes a manifest previously produced by
// MarshalManifest.
func UnmarshalManifest(data []byte) (FileManifest, []StripeLayout, error) {
	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return FileManifest{}, nil, err
	}
	m := FileManifest{
		FileID:       w.FileID,
		Filename:     w.Filename,
		TotalBytes:   w.TotalBytes,
		ChunkSize:    w.ChunkSize,
		TotalChunks:  w.TotalChunks,
		DataChunks:   w.DataChunks,
		ParityChunks: w.ParityChunks,
		Priority:     Priority(w.Priority),
		Compress:     w.Compress,
		CreatedAt:    w.CreatedAt,
	}
	if whole, err := base64.StdEncoding.DecodeString(w.WholeFileChecksum); err == nil {
		copy(m.WholeFileChecksum[:], whole)
	}
	if root, err := base64.StdEncoding.DecodeString(w.MerkleRoot); err == nil {
		copy(m.MerkleRoot[:], root)
	}
	return m, w.Stripes, nil
}
