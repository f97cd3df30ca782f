package registry

// Scroll stability: scrollback is a growing log, and a user who has
// scrolled back expects the lines on screen to stay put while new output
// appends at the bottom. AdjustViewport is a pure function of the old and
// new scrollback lengths and the current offset, so the behavior is
// testable without a terminal.

// AdjustViewport returns the viewport offset after scrollback changed
// from oldLen to newLen lines, plus whether caches keyed by absolute line
// index must be invalidated.
//
// Growth while scrolled back rides the view upward by the same amount so
// the same absolute lines stay visible. Shrinkage (a reset, or eviction
// at the retention limit shifting line indices) invalidates absolute-line
// caches and clamps the offset into range.
func AdjustViewport(oldLen, newLen, offset int) (newOffset int, invalidate bool) {
	delta := newLen - oldLen
	if delta > 0 {
		if offset > 0 {
			return min(offset+delta, newLen), false
		}
		return 0, false
	}
	// delta <= 0: a reset, or eviction at the retention limit. Absolute
	// line indices may have shifted, so cached lines cannot be trusted.
	return clampOffset(offset, newLen), true
}

func clampOffset(offset, scrollbackLen int) int {
	if offset < 0 {
		return 0
	}
	if offset > scrollbackLen {
		return scrollbackLen
	}
	return offset
}
