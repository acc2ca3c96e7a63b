// Package canvas is a small software rasterizer over image.RGBA. It provides
// the drawing primitives the sandbox surface and the mark overlay need:
// thick lines, circles, rectangles, arrows, polygon fill, scaled text and
// outlined number badges.
package canvas

import (
	"image"
	"image/color"
	"math"
)

type Canvas struct {
	Img *image.RGBA
}

func New(img *image.RGBA) *Canvas {
	return &Canvas{Img: img}
}

// NewBlack allocates an opaque black surface.
func NewBlack(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// Clone copies an RGBA image. Mark overlays draw on a clone so the
// persistent surface is never touched.
func Clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func (c *Canvas) width() int  { return c.Img.Bounds().Dx() }
func (c *Canvas) height() int { return c.Img.Bounds().Dy() }

// Put blends one pixel over the surface. Fully opaque colors overwrite;
// translucent colors alpha-blend, result alpha stays opaque.
func (c *Canvas) Put(x, y int, col color.RGBA) {
	if x < 0 || y < 0 || x >= c.width() || y >= c.height() {
		return
	}
	i := c.Img.PixOffset(x, y)
	if col.A >= 255 {
		c.Img.Pix[i] = col.R
		c.Img.Pix[i+1] = col.G
		c.Img.Pix[i+2] = col.B
		c.Img.Pix[i+3] = 255
		return
	}
	sa := int(col.A)
	da := 255 - sa
	c.Img.Pix[i] = uint8((int(col.R)*sa + int(c.Img.Pix[i])*da) / 255)
	c.Img.Pix[i+1] = uint8((int(col.G)*sa + int(c.Img.Pix[i+1])*da) / 255)
	c.Img.Pix[i+2] = uint8((int(col.B)*sa + int(c.Img.Pix[i+2])*da) / 255)
	c.Img.Pix[i+3] = 255
}

func (c *Canvas) putThick(x, y int, col color.RGBA, t int) {
	half := t / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			c.Put(x+dx, y+dy, col)
		}
	}
}

// Line draws a Bresenham segment of the given thickness.
func (c *Canvas) Line(x1, y1, x2, y2 int, col color.RGBA, t int) {
	dx := abs(x2 - x1)
	dy := abs(y2 - y1)
	sx := 1
	if x1 >= x2 {
		sx = -1
	}
	sy := 1
	if y1 >= y2 {
		sy = -1
	}
	err := dx - dy
	x, y := x1, y1
	for {
		c.putThick(x, y, col, t)
		if x == x2 && y == y2 {
			return
		}
		e2 := err * 2
		if e2 > -dy {
			err -= dy
			x += sx
		}
		if e2 < dx {
			err += dx
			y += sy
		}
	}
}

// FillCircle draws a filled disc.
func (c *Canvas) FillCircle(cx, cy, r int, col color.RGBA) {
	r2 := r * r
	for oy := -r; oy <= r; oy++ {
		for ox := -r; ox <= r; ox++ {
			if ox*ox+oy*oy <= r2 {
				c.Put(cx+ox, cy+oy, col)
			}
		}
	}
}

// CircleOutline draws a ring of the given thickness.
func (c *Canvas) CircleOutline(cx, cy, r int, col color.RGBA, t int) {
	outer := r * r
	in := r - t
	if in < 0 {
		in = 0
	}
	inner := in * in
	for oy := -r; oy <= r; oy++ {
		for ox := -r; ox <= r; ox++ {
			d2 := ox*ox + oy*oy
			if d2 >= inner && d2 <= outer {
				c.Put(cx+ox, cy+oy, col)
			}
		}
	}
}

// FillRect draws a filled axis-aligned rectangle.
func (c *Canvas) FillRect(x, y, w, h int, col color.RGBA) {
	for yy := y; yy < y+h; yy++ {
		for xx := x; xx < x+w; xx++ {
			c.Put(xx, yy, col)
		}
	}
}

// RectOutline draws the four edges of a rectangle.
func (c *Canvas) RectOutline(x, y, w, h int, col color.RGBA, t int) {
	c.Line(x, y, x+w, y, col, t)
	c.Line(x+w, y, x+w, y+h, col, t)
	c.Line(x+w, y+h, x, y+h, col, t)
	c.Line(x, y+h, x, y, col, t)
}

// FillPolygon scanline-fills a polygon.
func (c *Canvas) FillPolygon(pts []image.Point, col color.RGBA) {
	if len(pts) < 3 {
		return
	}
	lo, hi := pts[0].Y, pts[0].Y
	for _, p := range pts {
		if p.Y < lo {
			lo = p.Y
		}
		if p.Y > hi {
			hi = p.Y
		}
	}
	if lo < 0 {
		lo = 0
	}
	if hi > c.height()-1 {
		hi = c.height() - 1
	}
	n := len(pts)
	for y := lo; y <= hi; y++ {
		var nodes []int
		j := n - 1
		for i := 0; i < n; i++ {
			yi, yj := pts[i].Y, pts[j].Y
			if (yi < y && y <= yj) || (yj < y && y <= yi) {
				x := pts[i].X + (y-yi)*(pts[j].X-pts[i].X)/(yj-yi)
				nodes = append(nodes, x)
			}
			j = i
		}
		for i := 1; i < len(nodes); i++ {
			for k := i; k > 0 && nodes[k-1] > nodes[k]; k-- {
				nodes[k-1], nodes[k] = nodes[k], nodes[k-1]
			}
		}
		for k := 0; k+1 < len(nodes); k += 2 {
			x0 := max(0, nodes[k])
			x1 := min(c.width()-1, nodes[k+1])
			for x := x0; x <= x1; x++ {
				c.Put(x, y, col)
			}
		}
	}
}

// Arrow draws a line with a filled arrowhead at the endpoint.
func (c *Canvas) Arrow(x1, y1, x2, y2 int, col color.RGBA, t int) {
	c.Line(x1, y1, x2, y2, col, t)
	ang := math.Atan2(float64(y2-y1), float64(x2-x1))
	const halfAngle = 25.0 * math.Pi / 180.0
	const headLen = 28.0
	lx := x2 - int(headLen*math.Cos(ang-halfAngle))
	ly := y2 - int(headLen*math.Sin(ang-halfAngle))
	rx := x2 - int(headLen*math.Cos(ang+halfAngle))
	ry := y2 - int(headLen*math.Sin(ang+halfAngle))
	c.FillPolygon([]image.Point{{X: x2, Y: y2}, {X: lx, Y: ly}, {X: rx, Y: ry}}, col)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
