package composite

import (
	"image"
	"math"

	"github.com/softframe/meshcall/internal/peer"
)

// LayoutMode selects how participant tiles are arranged on the canvas.
type LayoutMode string

const (
	// LayoutGrid tiles everyone equally, ceil(sqrt(n)) columns wide.
	LayoutGrid LayoutMode = "grid"
	// LayoutSpotlight gives the pinned participant ~80% of the width with the
	// rest stacked in a sidebar.
	LayoutSpotlight LayoutMode = "spotlight"
	// LayoutSpeaker gives the active speaker ~75% of the width with the rest
	// in a sidebar that overflows into a counter.
	LayoutSpeaker LayoutMode = "speaker"
)

// Tile is one participant's placement for a single frame.
type Tile struct {
	UserID  string
	Caption string
	Bounds  image.Rectangle

	// Mirror flips the frame horizontally (the local self-view).
	Mirror bool
	// Avatar is set when no live frame should be drawn (video off or no
	// frame available yet).
	Avatar bool
	// Reconnecting draws the overlay for a disconnected or failed pairing.
	Reconnecting bool
}

// Plan is the complete set of draw decisions for one frame. It is produced
// by Compose as a pure function of its inputs so layouts are testable
// without a rendering surface.
type Plan struct {
	Tiles []Tile
	// Overflow is how many participants did not fit a tile; when non-zero an
	// overflow counter is drawn at OverflowBounds.
	Overflow       int
	OverflowBounds image.Rectangle
}

// Visible reports whether userID is represented in the plan by a tile.
func (p Plan) Visible(userID string) bool {
	for _, t := range p.Tiles {
		if t.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantView is the slice of directory state the layout needs.
type ParticipantView struct {
	UserID       string
	DisplayName  string
	Local        bool
	VideoEnabled bool
	HasFrame     bool
	State        peer.State
	Speaking     bool
}

const (
	sidebarTileHeight = 120
	overflowHeight    = 48
	tileGap           = 4
)

// Compose maps a participant snapshot to tile placements. Snapshot order is
// preserved; every participant is either placed or counted as overflow.
func Compose(bounds image.Rectangle, snapshot []ParticipantView, mode LayoutMode, pinnedID, speakerID string, maxPerRow int) Plan {
	if len(snapshot) == 0 {
		return Plan{}
	}
	if maxPerRow <= 0 {
		maxPerRow = 4
	}

	switch mode {
	case LayoutSpotlight:
		focus := indexOf(snapshot, pinnedID)
		if focus < 0 {
			focus = 0
		}
		return composeFocus(bounds, snapshot, focus, 0.80)
	case LayoutSpeaker:
		focus := indexOf(snapshot, speakerID)
		if focus < 0 {
			focus = firstSpeaking(snapshot)
		}
		if focus < 0 {
			focus = 0
		}
		return composeFocus(bounds, snapshot, focus, 0.75)
	default:
		return composeGrid(bounds, snapshot, maxPerRow)
	}
}

func composeGrid(bounds image.Rectangle, snapshot []ParticipantView, maxPerRow int) Plan {
	n := len(snapshot)
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	if cols > maxPerRow {
		cols = maxPerRow
	}
	rows := (n + cols - 1) / cols

	w := bounds.Dx() / cols
	h := bounds.Dy() / rows

	plan := Plan{Tiles: make([]Tile, 0, n)}
	for i, p := range snapshot {
		col := i % cols
		row := i / cols
		r := image.Rect(
			bounds.Min.X+col*w+tileGap,
			bounds.Min.Y+row*h+tileGap,
			bounds.Min.X+(col+1)*w-tileGap,
			bounds.Min.Y+(row+1)*h-tileGap,
		)
		plan.Tiles = append(plan.Tiles, tileFor(p, r))
	}
	return plan
}

// composeFocus places snapshot[focus] in a large main area and stacks the
// rest in a fixed-height sidebar, counting whoever does not fit.
func composeFocus(bounds image.Rectangle, snapshot []ParticipantView, focus int, mainShare float64) Plan {
	mainW := int(float64(bounds.Dx()) * mainShare)
	main := image.Rect(bounds.Min.X+tileGap, bounds.Min.Y+tileGap, bounds.Min.X+mainW-tileGap, bounds.Max.Y-tileGap)
	sidebar := image.Rect(bounds.Min.X+mainW, bounds.Min.Y, bounds.Max.X, bounds.Max.Y)

	plan := Plan{Tiles: []Tile{tileFor(snapshot[focus], main)}}

	rest := make([]ParticipantView, 0, len(snapshot)-1)
	for i, p := range snapshot {
		if i != focus {
			rest = append(rest, p)
		}
	}

	capacity := sidebar.Dy() / sidebarTileHeight
	shown := len(rest)
	if shown > capacity {
		// The last slot becomes the overflow counter.
		shown = capacity - 1
		if shown < 0 {
			shown = 0
		}
	}

	y := sidebar.Min.Y
	for _, p := range rest[:shown] {
		r := image.Rect(sidebar.Min.X+tileGap, y+tileGap, sidebar.Max.X-tileGap, y+sidebarTileHeight-tileGap)
		plan.Tiles = append(plan.Tiles, tileFor(p, r))
		y += sidebarTileHeight
	}
	if overflow := len(rest) - shown; overflow > 0 {
		plan.Overflow = overflow
		plan.OverflowBounds = image.Rect(sidebar.Min.X+tileGap, y+tileGap, sidebar.Max.X-tileGap, y+overflowHeight-tileGap)
	}
	return plan
}

func tileFor(p ParticipantView, r image.Rectangle) Tile {
	reconnecting := p.State == peer.StateDisconnected || p.State == peer.StateFailed
	return Tile{
		UserID:       p.UserID,
		Caption:      p.DisplayName,
		Bounds:       r,
		Mirror:       p.Local,
		Avatar:       !p.VideoEnabled || !p.HasFrame || reconnecting,
		Reconnecting: reconnecting,
	}
}

func indexOf(snapshot []ParticipantView, userID string) int {
	if userID == "" {
		return -1
	}
	for i, p := range snapshot {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func firstSpeaking(snapshot []ParticipantView) int {
	for i, p := range snapshot {
		if p.Speaking {
			return i
		}
	}
	return -1
}
