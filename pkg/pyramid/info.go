package pyramid

import (
	"encoding/json"
	"fmt"
)

// Info is the precomputed volume descriptor written next to the chunks.
type Info struct {
	Type        string  `json:"type"`
	DataType    string  `json:"data_type"`
	NumChannels int     `json:"num_channels"`
	Scales      []Scale `json:"scales"`
}

// Scale describes one level in Info.
type Scale struct {
	Key         string     `json:"key"`
	Size        [3]int     `json:"size"`
	Resolution  [3]float64 `json:"resolution"`
	ChunkSizes  [][3]int   `json:"chunk_sizes"`
	Encoding    string     `json:"encoding"`
	VoxelOffset [3]int     `json:"voxel_offset"`
}

// NewInfo describes layout.
func NewInfo(layout *Layout) Info {
	info := Info{Type: "image", DataType: "uint16", NumChannels: 1}
	for _, l := range layout.Levels {
		info.Scales = append(info.Scales, Scale{
			Key:        l.Key,
			Size:       l.Size,
			Resolution: l.Resolution,
			ChunkSizes: [][3]int{l.ChunkSize},
			Encoding:   "raw",
		})
	}
	return info
}

// Marshal encodes the info with stable indentation.
func (i Info) Marshal() ([]byte, error) {
	return json.MarshalIndent(i, "", "  ")
}

// ParseInfo decodes an info file.
func ParseInfo(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("error parsing info: %w", err)
	}
	if info.DataType != "uint16" || info.NumChannels != 1 {
		return Info{}, fmt.Errorf("unsupported volume %s x %d channels", info.DataType, info.NumChannels)
	}
	if len(info.Scales) == 0 {
		return Info{}, fmt.Errorf("info has no scales")
	}
	return info, nil
}

// Layout rebuilds the level layout an info file describes.
func (i Info) Layout() (*Layout, error) {
	l := &Layout{}
	for idx, s := range i.Scales {
		if len(s.ChunkSizes) == 0 {
			return nil, fmt.Errorf("scale %s has no chunk size", s.Key)
		}
		scale := 1
		if idx > 0 && i.Scales[0].Resolution[0] > 0 {
			scale = int(s.Resolution[0]/i.Scales[0].Resolution[0] + 0.5)
		}
		if idx == 1 {
			l.Factor = scale
		}
		l.Levels = append(l.Levels, Level{
			Index:      idx,
			Key:        s.Key,
			Size:       s.Size,
			Resolution: s.Resolution,
			ChunkSize:  s.ChunkSizes[0],
			Scale:      scale,
		})
	}
	return l, nil
}
