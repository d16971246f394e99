package capture

// MaxFrameBytes is the largest payload kept for a captured frame.
const MaxFrameBytes = 200 * 1024

func truncateBytes(in []byte, maxBytes int) ([]byte, bool) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false
	}
	return in[:maxBytes], true
}
