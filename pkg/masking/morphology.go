package masking

// Binary morphology on row-major 0/1 grids. Pixels outside the grid never
// contribute to a neighbourhood, so structures touching the border are not
// eroded away by the border itself.

// dilate sets a pixel when any pixel in the (2r+1)^2 window is set.
func dilate(pix []uint8, w, h, r int) []uint8 {
	return rankFilter(pix, w, h, r, true)
}

// erode keeps a pixel only when every in-grid pixel in the window is set.
func erode(pix []uint8, w, h, r int) []uint8 {
	return rankFilter(pix, w, h, r, false)
}

// rankFilter runs a separable max (or min) filter: rows first, then columns.
func rankFilter(pix []uint8, w, h, r int, isMax bool) []uint8 {
	if r <= 0 {
		out := make([]uint8, len(pix))
		copy(out, pix)
		return out
	}

	pick := func(a, b uint8) uint8 {
		if isMax {
			return max(a, b)
		}
		return min(a, b)
	}

	tmp := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			v := pix[row+x]
			for dx := max(0, x-r); dx <= min(w-1, x+r); dx++ {
				v = pick(v, pix[row+dx])
			}
			tmp[row+x] = v
		}
	}

	out := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := tmp[y*w+x]
			for dy := max(0, y-r); dy <= min(h-1, y+r); dy++ {
				v = pick(v, tmp[dy*w+x])
			}
			out[y*w+x] = v
		}
	}
	return out
}

// closing fills gaps narrower than the structuring element.
func closing(pix []uint8, w, h, r, iterations int) []uint8 {
	out := pix
	for i := 0; i < iterations; i++ {
		out = erode(dilate(out, w, h, r), w, h, r)
	}
	if iterations == 0 {
		out = make([]uint8, len(pix))
		copy(out, pix)
	}
	return out
}

// fillHoles sets every background pixel that cannot reach the border
// through background (4-connectivity).
func fillHoles(pix []uint8, w, h int) []uint8 {
	outside := make([]bool, len(pix))
	stack := make([]int, 0, 2*(w+h))

	push := func(x, y int) {
		i := y*w + x
		if pix[i] == 0 && !outside[i] {
			outside[i] = true
			stack = append(stack, i)
		}
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	out := make([]uint8, len(pix))
	for i := range pix {
		if pix[i] != 0 || !outside[i] {
			out[i] = 1
		}
	}
	return out
}

// component describes one 4-connected foreground region.
type component struct {
	label   int
	area    int
	borders int // number of image borders the region touches
}

// label assigns 4-connected component labels starting at 1. Background is 0.
func label(pix []uint8, w, h int) ([]int, []component) {
	labels := make([]int, len(pix))
	var comps []component
	stack := make([]int, 0, 64)

	for start := range pix {
		if pix[start] == 0 || labels[start] != 0 {
			continue
		}

		id := len(comps) + 1
		c := component{label: id}
		var left, right, top, bottom bool

		labels[start] = id
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.area++

			x, y := i%w, i/w
			left = left || x == 0
			right = right || x == w-1
			top = top || y == 0
			bottom = bottom || y == h-1

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if pix[j] != 0 && labels[j] == 0 {
					labels[j] = id
					stack = append(stack, j)
				}
			}
		}

		for _, b := range []bool{left, right, top, bottom} {
			if b {
				c.borders++
			}
		}
		comps = append(comps, c)
	}

	return labels, comps
}
