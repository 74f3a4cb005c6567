package traysync

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Pixmap is a single raster representation of an icon.
type Pixmap struct {
	Width  int32
	Height int32

	// ARGB32 pixel data in network byte order.
	Data []byte

	// Checksum of Data. Visualizations can use it as a texture cache key.
	Sum uint64
}

// Pixmaps is the set of sizes an icon is provided in.
type Pixmaps []Pixmap

// Best returns the pixmap whose width is closest to size, preferring larger
// pixmaps on ties. It reports false if the set is empty.
func (p Pixmaps) Best(size int32) (Pixmap, bool) {
	if len(p) == 0 {
		return Pixmap{}, false
	}

	best := p[0]
	bestDist := distance(best.Width, size)

	for _, candidate := range p[1:] {
		dist := distance(candidate.Width, size)
		if dist < bestDist || (dist == bestDist && candidate.Width > best.Width) {
			best, bestDist = candidate, dist
		}
	}

	return best, true
}

func distance(a, b int32) int32 {
	if a > b {
		return a - b
	}
	return b - a
}

// decodePixmap decodes a single pixmap.
//
// Format of pixmap is as follows
//
//	[<width>, <height>, <bytes>]
//
// Where:
//   - <width>: width of the icon (int32)
//   - <height>: height of the icon (int32)
//   - <bytes>: content of the icon ([]byte)
func decodePixmap(pixmap any) (Pixmap, error) {
	data, ok := pixmap.([]any)
	if !ok || len(data) != 3 {
		return Pixmap{}, fmt.Errorf("invalid pixmap format: expected a slice of 3 elements")
	}

	width, ok := data[0].(int32)
	if !ok {
		return Pixmap{}, fmt.Errorf("invalid width type: expected int32")
	}

	height, ok := data[1].(int32)
	if !ok {
		return Pixmap{}, fmt.Errorf("invalid height type: expected int32")
	}

	bytes, ok := data[2].([]byte)
	if !ok {
		return Pixmap{}, fmt.Errorf("invalid bytes format: expected []byte")
	}

	if width < 0 || height < 0 || int64(len(bytes)) != 4*int64(width)*int64(height) {
		return Pixmap{}, fmt.Errorf("invalid pixmap size: %dx%d with %d bytes", width, height, len(bytes))
	}

	return Pixmap{
		Width:  width,
		Height: height,
		Data:   bytes,
		Sum:    xxhash.Sum64(bytes),
	}, nil
}

// decodePixmaps decodes an array of pixmaps, a(iiay) on the wire.
func decodePixmaps(value any) (Pixmaps, error) {
	var raw []any

	switch v := value.(type) {
	case [][]any:
		raw = make([]any, len(v))
		for i := range v {
			raw[i] = v[i]
		}
	case []any:
		raw = v
	default:
		return nil, fmt.Errorf("invalid pixmap array type %T", value)
	}

	pixmaps := make(Pixmaps, 0, len(raw))

	for _, entry := range raw {
		pixmap, err := decodePixmap(entry)
		if err != nil {
			return nil, err
		}

		pixmaps = append(pixmaps, pixmap)
	}

	return pixmaps, nil
}

// ToolTip is extra information that can be visualized by a tooltip.
type ToolTip struct {
	IconName   string
	IconPixmap Pixmaps
	Title      string

	// Body may contain a subset of HTML markup.
	Body string
}

// decodeToolTip decodes a tooltip.
//
// Format of tooltip is as follows
//
//	[<icon-name>, <icon>, <title>, <description>]
func decodeToolTip(value any) (ToolTip, error) {
	data, ok := value.([]any)
	if !ok || len(data) != 4 {
		return ToolTip{}, fmt.Errorf("invalid tooltip format: expected a slice of 4 elements")
	}

	var tooltip ToolTip

	if tooltip.IconName, ok = data[0].(string); !ok {
		return ToolTip{}, fmt.Errorf("invalid tooltip icon name type %T", data[0])
	}

	pixmaps, err := decodePixmaps(data[1])
	if err != nil {
		return ToolTip{}, fmt.Errorf("tooltip icon: %w", err)
	}
	tooltip.IconPixmap = pixmaps

	if tooltip.Title, ok = data[2].(string); !ok {
		return ToolTip{}, fmt.Errorf("invalid tooltip title type %T", data[2])
	}

	if tooltip.Body, ok = data[3].(string); !ok {
		return ToolTip{}, fmt.Errorf("invalid tooltip body type %T", data[3])
	}

	return tooltip, nil
}
