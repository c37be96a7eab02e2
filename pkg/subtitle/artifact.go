package subtitle

import (
	"encoding/json"

	"github.com/lexisub/lexisub/pkg/types"
)

// BuildArtifact materializes the enriched segments as the final JSON
// document. The field names are a stable contract with consumers.
func BuildArtifact(segments []types.Segment) ([]byte, error) {
	if segments == nil {
		segments = []types.Segment{}
	}
	return json.MarshalIndent(segments, "", "  ")
}

// ParseArtifact reads a final document back into segments
func ParseArtifact(data []byte) ([]types.Segment, error) {
	var segments []types.Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, err
	}
	return segments, nil
}
