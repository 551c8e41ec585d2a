package text

import (
	"encoding/json"
	"strconv"
)

// Encode renders a segment as the byte blob a Flusher/Compactor puts
// into objectstorage.Storage under its artifact key. Postings hold
// only Hit{DocID,TS} pairs, no values.Value payload, so plain
// encoding/json is sufficient here (contrast
// pkg/search/vector/artifact.go, whose segments carry filter values
// and need the tagged value codec).
func (s *Segment) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSegment is Encode's inverse.
func DecodeSegment(data []byte) (*Segment, error) {
	var s Segment
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ArtifactKey names the objectstorage blob a given index's segment id
// is stored under.
func ArtifactKey(indexID string, segmentID uint64) string {
	return "text/" + indexID + "/" + strconv.FormatUint(segmentID, 10)
}
