package video

// Deflicker evens out frame-to-frame brightness changes by pulling each
// frame's mean luminance toward a running average.
//
// It is not safe for concurrent use; the capture path owns one per
// source.
type Deflicker struct {
	mean    float64
	primed  bool
	weight  float64
	maxGain float64
}

// NewDeflicker creates a deflicker stage.
func NewDeflicker() *Deflicker {
	return &Deflicker{weight: 0.1, maxGain: 0.25}
}

// Process corrects frame in place.
func (d *Deflicker) Process(frame *Frame) {
	y := frame.Y()
	if len(y) == 0 {
		return
	}
	var sum int
	for _, p := range y {
		sum += int(p)
	}
	cur := float64(sum) / float64(len(y))
	if !d.primed {
		d.mean, d.primed = cur, true
		return
	}
	d.mean += d.weight * (cur - d.mean)
	if cur < 1 {
		return
	}
	gain := d.mean / cur
	gain = max(1-d.maxGain, min(1+d.maxGain, gain))
	if gain > 0.995 && gain < 1.005 {
		return
	}
	for i, p := range y {
		y[i] = clampByte(int(float64(p)*gain + 0.5))
	}
}

// Reset drops the running average.
func (d *Deflicker) Reset() {
	d.mean, d.primed = 0, false
}

// Denoiser is a temporal noise filter. Samples that differ from the
// previous output by less than the threshold are blended with it;
// larger differences are treated as motion and kept.
type Denoiser struct {
	prev      []byte
	threshold int
}

// NewDenoiser creates a denoise stage.
func NewDenoiser() *Denoiser {
	return &Denoiser{threshold: 12}
}

// Process filters frame in place.
func (d *Denoiser) Process(frame *Frame) {
	if len(d.prev) != len(frame.Buffer) {
		d.prev = append(d.prev[:0], frame.Buffer...)
		return
	}
	for i, p := range frame.Buffer {
		q := d.prev[i]
		diff := int(p) - int(q)
		if diff < 0 {
			diff = -diff
		}
		if diff < d.threshold {
			frame.Buffer[i] = byte((int(p) + int(q) + 1) / 2)
		}
	}
	copy(d.prev, frame.Buffer)
}

// Reset forgets the reference frame.
func (d *Denoiser) Reset() {
	d.prev = d.prev[:0]
}

// EnhanceColor increases chroma saturation of frame in place.
func EnhanceColor(frame *Frame) {
	const gain = 1.25
	for _, plane := range [][]byte{frame.U(), frame.V()} {
		for i, p := range plane {
			plane[i] = clampByte(int(128 + (float64(p)-128)*gain))
		}
	}
}

// Mirror flips frame in place. upDown flips vertically and leftRight
// horizontally.
func Mirror(frame *Frame, upDown, leftRight bool) {
	planes := []struct {
		data []byte
		w, h int
	}{
		{frame.Y(), frame.Width, frame.Height},
		{frame.U(), frame.ChromaWidth(), frame.ChromaHeight()},
		{frame.V(), frame.ChromaWidth(), frame.ChromaHeight()},
	}
	for _, p := range planes {
		if leftRight {
			for row := 0; row < p.h; row++ {
				line := p.data[row*p.w : (row+1)*p.w]
				for i, j := 0, len(line)-1; i < j; i, j = i+1, j-1 {
					line[i], line[j] = line[j], line[i]
				}
			}
		}
		if upDown {
			tmp := make([]byte, p.w)
			for top, bottom := 0, p.h-1; top < bottom; top, bottom = top+1, bottom-1 {
				a := p.data[top*p.w : (top+1)*p.w]
				b := p.data[bottom*p.w : (bottom+1)*p.w]
				copy(tmp, a)
				copy(a, b)
				copy(b, tmp)
			}
		}
	}
}
