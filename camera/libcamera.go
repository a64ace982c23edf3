package camera

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// RpicamBackend records CSI cameras on a Raspberry Pi with rpicam-vid,
// which encodes and muxes MP4 itself through libav.
type RpicamBackend struct {
	cfg    CaptureConfig
	logger Logger
}

// NewRpicamBackend creates a libcamera backend. rpicam-vid can only flip
// the image, so rotations of 90 and 270 are rejected.
func NewRpicamBackend(cfg CaptureConfig, logger Logger) (*RpicamBackend, error) {
	if !isLibcameraAvailable(logger) {
		return nil, fmt.Errorf("libcamera not available")
	}
	if cfg.Rotation != 0 && cfg.Rotation != 180 {
		return nil, fmt.Errorf("rpicam-vid cannot rotate by %d degrees", cfg.Rotation)
	}
	return &RpicamBackend{cfg: cfg.withDefaults(), logger: logger}, nil
}

// isLibcameraAvailable checks if rpicam-vid is installed
func isLibcameraAvailable(logger Logger) bool {
	_, err := exec.LookPath("rpicam-vid")
	if err != nil {
		logger.Debugf("rpicam-vid not found: %v", err)
		return false
	}
	return true
}

// IsCSICamera detects if a device is a CSI camera (libcamera) or USB (V4L2)
func IsCSICamera(logger Logger) bool {
	if !isLibcameraAvailable(logger) {
		return false
	}

	// Check if rpicam-vid can enumerate cameras
	output, err := runCommand("rpicam-still", "--list-cameras")
	if err != nil {
		logger.Debugf("rpicam-still enumeration failed: %v", err)
		return false
	}

	return strings.Contains(strings.ToLower(string(output)), "available cameras")
}

// Start launches rpicam-vid recording until stopped.
func (b *RpicamBackend) Start(path string) (Recording, error) {
	cmd := exec.Command("rpicam-vid", b.args(path)...)

	// rpicam-vid closes the container cleanly on SIGINT
	quit := func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGINT)
	}
	rec, err := startProcess(cmd, "rpicam-vid", quit, b.cfg.StopTimeout, b.logger)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *RpicamBackend) args(path string) []string {
	args := []string{
		"-t", "0", // until stopped
		"-n", // no preview window
		"--width", fmt.Sprintf("%d", b.cfg.Width),
		"--height", fmt.Sprintf("%d", b.cfg.Height),
		"--framerate", fmt.Sprintf("%d", b.cfg.FPS),
		"--codec", "libav",
		"--libav-format", "mp4",
		"--intra", fmt.Sprintf("%d", b.cfg.KeyframeInt),
		"--inline", // include headers in stream
	}

	if b.cfg.Rotation == 180 {
		args = append(args, "--rotation", "180")
	}
	if b.cfg.ShutterUs > 0 {
		args = append(args, "--shutter", fmt.Sprintf("%d", b.cfg.ShutterUs))
	}

	return append(args, "-o", path)
}
