package doc

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/canopysync/canopy/internal/protocol"
)

// update is the wire form of a set of replicated records. The same shape
// serves incremental diffs and full snapshots; both sides treat the bytes as
// opaque outside this package.
type update struct {
	Files []fileRecord `json:"files,omitempty"`
	Blobs []blobRecord `json:"blobs,omitempty"`
}

// marker is a version vector: the highest sequence number incorporated per
// actor. It is the opaque "state marker" of the sync protocol.
type marker map[string]uint64

// ApplyUpdate merges an encoded update into the document. Idempotent and
// commutative: replicas that apply the same update set in any order, with
// any duplication, converge. An empty update is a no-op.
func (d *Document) ApplyUpdate(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("undecodable document update: %v", err)}
	}
	for _, rec := range u.Files {
		d.mergeFile(rec)
	}
	for _, rec := range u.Blobs {
		d.mergeBlob(rec)
	}
	return nil
}

// EncodeState serializes the full document, tombstones included, so that
// ApplyUpdate on an empty replica reproduces this one.
func (d *Document) EncodeState() []byte {
	u := update{
		Files: make([]fileRecord, 0, len(d.files)),
		Blobs: make([]blobRecord, 0, len(d.blobs)),
	}
	for _, rec := range d.files {
		u.Files = append(u.Files, rec)
	}
	for _, rec := range d.blobs {
		u.Blobs = append(u.Blobs, rec)
	}
	sort.Slice(u.Files, func(i, j int) bool { return u.Files[i].Path < u.Files[j].Path })
	sort.Slice(u.Blobs, func(i, j int) bool { return u.Blobs[i].Hash < u.Blobs[j].Hash })
	data, _ := json.Marshal(u)
	return data
}

// EncodeMarker summarizes everything this document has incorporated. The
// marker is later fed to DiffSince to compute "what is new since then".
func (d *Document) EncodeMarker() []byte {
	m := make(marker)
	record := func(seq uint64, actor string) {
		if seq > m[actor] {
			m[actor] = seq
		}
	}
	for _, rec := range d.files {
		record(rec.Seq, rec.Actor)
	}
	for _, rec := range d.blobs {
		record(rec.Seq, rec.Actor)
	}
	data, _ := json.Marshal(m)
	return data
}

// DiffSince computes the minimal update holding everything in the current
// state not yet covered by the given marker. Returns nil when nothing has
// changed. A nil or empty marker yields the full state.
func (d *Document) DiffSince(markerBytes []byte) ([]byte, error) {
	m := make(marker)
	if len(markerBytes) > 0 {
		if err := json.Unmarshal(markerBytes, &m); err != nil {
			return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("undecodable state marker: %v", err)}
		}
	}

	var u update
	for _, rec := range d.files {
		if rec.Seq > m[rec.Actor] {
			u.Files = append(u.Files, rec)
		}
	}
	for _, rec := range d.blobs {
		if rec.Seq > m[rec.Actor] {
			u.Blobs = append(u.Blobs, rec)
		}
	}
	if len(u.Files) == 0 && len(u.Blobs) == 0 {
		return nil, nil
	}
	sort.Slice(u.Files, func(i, j int) bool { return u.Files[i].Path < u.Files[j].Path })
	sort.Slice(u.Blobs, func(i, j int) bool { return u.Blobs[i].Hash < u.Blobs[j].Hash })
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return data, nil
}
