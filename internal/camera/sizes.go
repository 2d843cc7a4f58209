package camera

// maxVideoWidth caps the recorded frame width.
const maxVideoWidth = 1080

// ChooseVideoSize returns the first 4:3 size no wider than 1080 pixels.
// When none qualifies it falls back to the last size offered.
func ChooseVideoSize(choices []Size) Size {
	if len(choices) == 0 {
		return Size{}
	}
	for _, s := range choices {
		if s.Width == s.Height*4/3 && s.Width <= maxVideoWidth {
			return s
		}
	}
	return choices[len(choices)-1]
}

// ChooseOptimalSize returns the smallest size that has the aspect ratio of
// aspect and is at least width x height. When none is large enough it
// returns the first size offered.
func ChooseOptimalSize(choices []Size, width, height int, aspect Size) Size {
	if len(choices) == 0 {
		return Size{}
	}
	if aspect.IsZero() {
		return choices[0]
	}

	var best Size
	found := false
	for _, s := range choices {
		if s.Height != s.Width*aspect.Height/aspect.Width {
			continue
		}
		if s.Width < width || s.Height < height {
			continue
		}
		if !found || s.Area() < best.Area() {
			best = s
			found = true
		}
	}
	if !found {
		return choices[0]
	}
	return best
}
