package registry

import "testing"

func TestAdjustViewportGrowthRidesTheView(t *testing.T) {
	tests := []struct {
		name                   string
		oldLen, newLen, offset int
		wantOffset             int
		wantInvalidate         bool
	}{
		{"growth while scrolled back", 100, 105, 10, 15, false},
		{"growth at bottom stays at bottom", 100, 105, 0, 0, false},
		{"growth clamped to new length", 10, 12, 10, 12, false},
		{"no change", 50, 50, 5, 5, true},
		{"reset clamps offset", 100, 0, 40, 0, true},
		{"shrink clamps offset", 100, 30, 50, 30, true},
		{"shrink keeps small offset", 100, 80, 5, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOffset, gotInvalidate := AdjustViewport(tt.oldLen, tt.newLen, tt.offset)
			if gotOffset != tt.wantOffset || gotInvalidate != tt.wantInvalidate {
				t.Fatalf("AdjustViewport(%d, %d, %d) = (%d, %v), want (%d, %v)",
					tt.oldLen, tt.newLen, tt.offset,
					gotOffset, gotInvalidate, tt.wantOffset, tt.wantInvalidate)
			}
		})
	}
}

// The visual position invariant: for a pure growth step with offset > 0,
// scrollbackLength - viewportOffset is unchanged, so a fixed screen row
// keeps showing the same absolute line.
func TestAdjustViewportVisualPositionInvariant(t *testing.T) {
	for oldLen := 0; oldLen <= 40; oldLen += 7 {
		for delta := 1; delta <= 25; delta += 6 {
			for offset := 1; offset <= oldLen; offset += 3 {
				newLen := oldLen + delta
				newOffset, _ := AdjustViewport(oldLen, newLen, offset)
				if newOffset > newLen {
					t.Fatalf("offset %d beyond scrollback %d", newOffset, newLen)
				}
				if newLen-newOffset != oldLen-offset && newOffset != newLen {
					t.Fatalf("growth %d->%d moved anchor: offset %d -> %d",
						oldLen, newLen, offset, newOffset)
				}
			}
		}
	}
}
