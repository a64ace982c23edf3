package camera

import (
	"os/exec"
	"strings"
)

// Priority: h264_v4l2m2m (Pi hardware) > h264_vaapi (generic hardware) > libx264 > libopenh264
var preferredEncoders = []string{
	"h264_v4l2m2m",
	"h264_vaapi",
	"libx264",
	"libopenh264",
}

const fallbackEncoder = "libx264"

// runCommand is swapped out in tests.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// detectVideoEncoder returns the best H.264 encoder ffmpeg offers here.
func detectVideoEncoder(logger Logger) string {
	output, err := runCommand("ffmpeg", "-hide_banner", "-encoders")
	if err != nil {
		logger.Debugf("Failed to query FFmpeg encoders: %v", err)
		return fallbackEncoder
	}

	available := string(output)
	for _, encoder := range preferredEncoders {
		if strings.Contains(available, encoder) && isEncoderUsable(encoder, logger) {
			return encoder
		}
	}

	logger.Printf("[WARN] No suitable H.264 encoders found, defaulting to %s", fallbackEncoder)
	return fallbackEncoder
}

// isEncoderUsable probes hardware encoders with a tiny test encode; they are
// often listed even when the device node is missing.
func isEncoderUsable(encoder string, logger Logger) bool {
	if !strings.HasPrefix(encoder, "h264_") {
		return true
	}
	if _, err := runCommand("ffmpeg",
		"-hide_banner",
		"-f", "lavfi",
		"-i", "color=c=black:s=640x480:d=0.1",
		"-c:v", encoder,
		"-f", "null",
		"-",
	); err != nil {
		logger.Debugf("Encoder %s not usable: %v", encoder, err)
		return false
	}
	return true
}
