package composite

import (
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	backgroundColor = color.RGBA{R: 16, G: 18, B: 22, A: 255}
	tileColor       = color.RGBA{R: 38, G: 42, B: 50, A: 255}
	captionColor    = color.RGBA{R: 0, G: 0, B: 0, A: 170}
	overlayColor    = color.RGBA{R: 0, G: 0, B: 0, A: 160}
	textColor       = color.RGBA{R: 235, G: 235, B: 235, A: 255}
	recColor        = color.RGBA{R: 220, G: 40, B: 40, A: 255}
)

const captionHeight = 22

// renderPlan draws one composed frame: every tile, the overflow counter, and
// the recording indicator with the elapsed timer.
func renderPlan(canvas *image.RGBA, plan Plan, frames map[string]image.Image, elapsed time.Duration) {
	stddraw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundColor), image.Point{}, stddraw.Src)

	for _, tile := range plan.Tiles {
		drawTile(canvas, tile, frames[tile.UserID])
	}
	if plan.Overflow > 0 {
		drawOverflow(canvas, plan.OverflowBounds, plan.Overflow)
	}
	drawRecordingIndicator(canvas, elapsed)
}

func drawTile(canvas *image.RGBA, tile Tile, frame image.Image) {
	stddraw.Draw(canvas, tile.Bounds, image.NewUniform(tileColor), image.Point{}, stddraw.Src)

	if !tile.Avatar && frame != nil {
		fit := aspectFit(tile.Bounds, frame.Bounds())
		xdraw.ApproxBiLinear.Scale(canvas, fit, frame, frame.Bounds(), xdraw.Src, nil)
		if tile.Mirror {
			mirrorRegion(canvas, fit)
		}
	} else {
		drawInitials(canvas, tile.Bounds, tile.Caption)
	}

	if tile.Reconnecting {
		stddraw.Draw(canvas, tile.Bounds, image.NewUniform(overlayColor), image.Point{}, stddraw.Over)
		drawTextCentered(canvas, tile.Bounds, "reconnecting")
	}

	caption := image.Rect(tile.Bounds.Min.X, tile.Bounds.Max.Y-captionHeight, tile.Bounds.Max.X, tile.Bounds.Max.Y)
	stddraw.Draw(canvas, caption, image.NewUniform(captionColor), image.Point{}, stddraw.Over)
	drawText(canvas, caption.Min.X+6, caption.Max.Y-7, tile.Caption)
}

// aspectFit centers src's aspect ratio inside dst.
func aspectFit(dst image.Rectangle, src image.Rectangle) image.Rectangle {
	dw, dh := dst.Dx(), dst.Dy()
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return dst
	}

	w := dw
	h := w * sh / sw
	if h > dh {
		h = dh
		w = h * sw / sh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// mirrorRegion flips r horizontally in place.
func mirrorRegion(canvas *image.RGBA, r image.Rectangle) {
	r = r.Intersect(canvas.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for lo, hi := r.Min.X, r.Max.X-1; lo < hi; lo, hi = lo+1, hi-1 {
			a := canvas.RGBAAt(lo, y)
			canvas.SetRGBA(lo, y, canvas.RGBAAt(hi, y))
			canvas.SetRGBA(hi, y, a)
		}
	}
}

func drawInitials(canvas *image.RGBA, r image.Rectangle, name string) {
	drawTextCentered(canvas, r, initials(name))
}

func initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		runes := []rune(word)
		if len(runes) > 0 {
			out = append(out, runes[0])
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return strings.ToUpper(string(out))
}

func drawOverflow(canvas *image.RGBA, r image.Rectangle, n int) {
	stddraw.Draw(canvas, r, image.NewUniform(tileColor), image.Point{}, stddraw.Src)
	drawTextCentered(canvas, r, fmt.Sprintf("+%d", n))
}

func drawRecordingIndicator(canvas *image.RGBA, elapsed time.Duration) {
	fillCircle(canvas, image.Pt(18, 18), 6, recColor)
	total := int(elapsed.Seconds())
	drawText(canvas, 30, 23, fmt.Sprintf("REC %02d:%02d", total/60, total%60))
}

func fillCircle(canvas *image.RGBA, center image.Point, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				canvas.SetRGBA(center.X+dx, center.Y+dy, c)
			}
		}
	}
}

func drawText(canvas *image.RGBA, x, y int, s string) {
	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawTextCentered(canvas *image.RGBA, r image.Rectangle, s string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, s).Ceil()
	x := r.Min.X + (r.Dx()-width)/2
	y := r.Min.Y + r.Dy()/2 + face.Height/2
	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
