package vector

import (
	"encoding/json"
	"strconv"

	"github.com/cuemby/docbase/pkg/values"
)

// wireSegment is Segment's on-disk shape: Filters' values.Value
// entries go through the tagged codec, everything else marshals as-is.
type wireSegment struct {
	ID      uint64                              `json:"id"`
	MaxTS   values.Timestamp                    `json:"maxTs"`
	Vectors map[values.InternalID]Vector        `json:"vectors"`
	Filters map[values.InternalID][]jsonField   `json:"filters"`
	Deleted int                                 `json:"deleted"`
}

// Encode renders a segment as the byte blob a Flusher/Compactor puts
// into objectstorage.Storage under its artifact key.
func (s *Segment) Encode() ([]byte, error) {
	ws := wireSegment{ID: s.ID, MaxTS: s.MaxTS, Vectors: s.Vectors, Deleted: s.Deleted,
		Filters: make(map[values.InternalID][]jsonField, len(s.Filters))}
	for id, fields := range s.Filters {
		jf := make([]jsonField, 0, len(fields))
		for k, v := range fields {
			jv, err := encodeValue(v)
			if err != nil {
				return nil, err
			}
			jf = append(jf, jsonField{K: k, V: jv})
		}
		ws.Filters[id] = jf
	}
	return json.Marshal(ws)
}

// DecodeSegment is Encode's inverse.
func DecodeSegment(data []byte) (*Segment, error) {
	var ws wireSegment
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, err
	}
	s := &Segment{ID: ws.ID, MaxTS: ws.MaxTS, Vectors: ws.Vectors, Deleted: ws.Deleted,
		Filters: make(map[values.InternalID]map[string]values.Value, len(ws.Filters))}
	for id, fields := range ws.Filters {
		m := make(map[string]values.Value, len(fields))
		for _, f := range fields {
			v, err := decodeValue(f.V)
			if err != nil {
				return nil, err
			}
			m[f.K] = v
		}
		s.Filters[id] = m
	}
	return s, nil
}

// ArtifactKey names the objectstorage blob a given index's segment id
// is stored under.
func ArtifactKey(indexID string, segmentID uint64) string {
	return "vector/" + indexID + "/" + strconv.FormatUint(segmentID, 10)
}
