package canvas

import (
	"image"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var face = basicfont.Face7x13

const (
	glyphWidth  = 7
	glyphHeight = 13
)

// DrawText renders text at (x, y) top-left, scaled by an integer factor.
// Newlines start a new line below. Glyphs come from the basicfont face and
// are upscaled with nearest-neighbor so they stay crisp on the surface.
func (c *Canvas) DrawText(x, y int, text string, col color.RGBA, scale int) {
	if scale < 1 {
		scale = 1
	}
	for i, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		c.drawTextLine(x, y+i*(glyphHeight+1)*scale, line, col, scale)
	}
}

func (c *Canvas) drawTextLine(x, y int, line string, col color.RGBA, scale int) {
	w := len(line) * glyphWidth
	if w <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, w, glyphHeight))
	d := font.Drawer{
		Dst:  tmp,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(line)

	dst := image.Rect(x, y, x+w*scale, y+glyphHeight*scale)
	draw.NearestNeighbor.Scale(c.Img, dst, tmp, tmp.Bounds(), draw.Over, nil)
}

// NumberBadge renders an integer centered at (cx, cy) with an outline pass
// behind the fill so the digits stay readable over any background.
func (c *Canvas) NumberBadge(cx, cy, n int, fill, outline color.RGBA, scale int) {
	if scale < 1 {
		scale = 1
	}
	s := strconv.Itoa(n)
	w := len(s) * glyphWidth * scale
	h := glyphHeight * scale
	x := cx - w/2
	y := cy - h/2
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			c.drawTextLine(x+dx*2, y+dy*2, s, outline, scale)
		}
	}
	c.drawTextLine(x, y, s, fill, scale)
}
