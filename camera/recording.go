package camera

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// Capture process stderr
	StderrBufferKB = 4
	bytesPerKB     = 1024

	defaultStopTimeout = 5 * time.Second
)

// CaptureConfig describes the capture pipeline. It is shared by the ffmpeg
// and rpicam backends.
type CaptureConfig struct {
	Device      string // e.g. /dev/video0
	Width       int
	Height      int
	FPS         int
	Rotation    int    // 0, 90, 180 or 270
	Encoder     string // empty means detect
	KeyframeInt int    // frames between keyframes
	ShutterUs   int    // fixed exposure in µs, rpicam only; 0 lets the camera decide
	StopTimeout time.Duration
}

func (cfg CaptureConfig) withDefaults() CaptureConfig {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.KeyframeInt <= 0 {
		cfg.KeyframeInt = cfg.FPS / 4
		if cfg.KeyframeInt < 1 {
			cfg.KeyframeInt = 1
		}
	}
	return cfg
}

// FFmpegBackend records H.264 into progressive MP4 with an ffmpeg child
// process per session. Keyframes are forced at a fixed interval so clips
// can start close to any cutoff.
type FFmpegBackend struct {
	cfg    CaptureConfig
	logger Logger

	encoderOnce sync.Once
	encoder     string
}

// NewFFmpegBackend creates a backend. Encoder detection runs lazily on the
// first Start.
func NewFFmpegBackend(cfg CaptureConfig, logger Logger) *FFmpegBackend {
	cfg = cfg.withDefaults()
	return &FFmpegBackend{cfg: cfg, logger: logger, encoder: cfg.Encoder}
}

func (b *FFmpegBackend) videoEncoder() string {
	b.encoderOnce.Do(func() {
		if b.encoder == "" {
			b.encoder = detectVideoEncoder(b.logger)
			b.logger.Printf("Using video encoder: %s", b.encoder)
		}
	})
	return b.encoder
}

// Start launches ffmpeg writing to path.
func (b *FFmpegBackend) Start(path string) (Recording, error) {
	cmd := exec.Command("ffmpeg", b.args(b.videoEncoder(), path)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// ffmpeg finalizes the container when it reads q on stdin
	quit := func() error {
		_, err := io.WriteString(stdin, "q\n")
		stdin.Close()
		return err
	}
	rec, err := startProcess(cmd, "ffmpeg", quit, b.cfg.StopTimeout, b.logger)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *FFmpegBackend) args(encoder, path string) []string {
	inputFormat, inputDevice := b.cameraInput()

	args := []string{
		"-y",
		"-loglevel", "warning",
		"-f", inputFormat,
	}
	if inputFormat == "v4l2" {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", b.cfg.Width, b.cfg.Height))
	}
	args = append(args,
		"-framerate", fmt.Sprintf("%d", b.cfg.FPS),
		"-thread_queue_size", "64",
		"-i", inputDevice,
	)

	var videoFilters []string
	switch b.cfg.Rotation {
	case 90:
		videoFilters = append(videoFilters, "transpose=1")
	case 180:
		videoFilters = append(videoFilters, "transpose=1,transpose=1")
	case 270:
		videoFilters = append(videoFilters, "transpose=2")
	}
	if inputFormat != "v4l2" {
		videoFilters = append(videoFilters, fmt.Sprintf("scale=%d:%d", b.cfg.Width, b.cfg.Height))
	}
	if len(videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(videoFilters, ","))
	}

	args = append(args,
		"-c:v", encoder,
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", b.cfg.KeyframeInt),
		"-keyint_min", fmt.Sprintf("%d", b.cfg.KeyframeInt),
		"-r", fmt.Sprintf("%d", b.cfg.FPS),
		"-an",
		"-f", "mp4",
		path,
	)
	return args
}

// cameraInput returns the format and device based on OS
func (b *FFmpegBackend) cameraInput() (string, string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", "0"
	case "windows":
		return "dshow", "video=\"USB Video Device\""
	default:
		device := b.cfg.Device
		if device == "" {
			device = "/dev/video0"
		}
		return "v4l2", device
	}
}

// processRecording is a capture child process that writes the container
// itself and must be asked to quit so it can finalize it.
type processRecording struct {
	name    string
	cmd     *exec.Cmd
	quit    func() error
	done    chan struct{}
	waitErr error
	timeout time.Duration
	logger  Logger

	stderrMu sync.Mutex
	stderr   strings.Builder
}

func startProcess(cmd *exec.Cmd, name string, quit func() error, timeout time.Duration, logger Logger) (*processRecording, error) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", name, err)
	}

	rec := &processRecording{
		name:    name,
		cmd:     cmd,
		quit:    quit,
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	go rec.captureStderr(stderr)
	go func() {
		rec.waitErr = cmd.Wait()
		close(rec.done)
	}()
	return rec, nil
}

func (r *processRecording) captureStderr(pipe io.Reader) {
	buf := make([]byte, StderrBufferKB*bytesPerKB)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			r.stderrMu.Lock()
			r.stderr.Write(buf[:n])
			r.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Stop asks the process to quit so it writes the moov box, then escalates
// to SIGINT and finally a kill if it does not exit in time. A killed
// recording is not parseable and is reported as an error.
func (r *processRecording) Stop() error {
	select {
	case <-r.done:
		return r.exitError(fmt.Errorf("%s exited before stop", r.name))
	default:
	}

	if err := r.quit(); err != nil {
		r.logger.Debugf("Failed to ask %s to quit: %v", r.name, err)
	}

	select {
	case <-r.done:
		return r.exitError(nil)
	case <-time.After(r.timeout):
	}

	r.logger.Printf("[WARN] %s did not quit within %s, interrupting", r.name, r.timeout)
	if r.cmd.Process != nil {
		r.cmd.Process.Signal(syscall.SIGINT)
	}
	select {
	case <-r.done:
		return r.exitError(nil)
	case <-time.After(r.timeout):
	}

	if r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	<-r.done
	return fmt.Errorf("%s killed, recording is incomplete", r.name)
}

func (r *processRecording) exitError(fallback error) error {
	if r.waitErr == nil {
		return fallback
	}
	r.stderrMu.Lock()
	output := strings.TrimSpace(r.stderr.String())
	r.stderrMu.Unlock()
	if output != "" {
		r.logger.Printf("%s error output: %s", r.name, output)
	}
	return fmt.Errorf("%s: %w", r.name, r.waitErr)
}

// fileBackend is used when no camera is attached: every session copies a
// prerecorded container. Handy for bench tests of the trigger path.
type fileBackend struct {
	source string
}

// NewFileBackend returns a backend that produces a copy of source for every
// session instead of talking to a camera.
func NewFileBackend(source string) Backend {
	return &fileBackend{source: source}
}

func (b *fileBackend) Start(path string) (Recording, error) {
	data, err := os.ReadFile(b.source)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return fileRecording{}, nil
}

type fileRecording struct{}

func (fileRecording) Stop() error { return nil }
