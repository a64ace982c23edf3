package camera

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

type countingBackend struct {
	live     atomic.Int32
	maxLive  atomic.Int32
	starts   atomic.Int32
	startErr error
	stopErr  error
}

func (b *countingBackend) Start(path string) (Recording, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.starts.Add(1)
	n := b.live.Add(1)
	for {
		cur := b.maxLive.Load()
		if n <= cur || b.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	return &countingRecording{backend: b}, nil
}

type countingRecording struct {
	backend *countingBackend
	stops   atomic.Int32
}

func (r *countingRecording) Stop() error {
	r.stops.Add(1)
	r.backend.live.Add(-1)
	return r.backend.stopErr
}

func TestDevice_SecondStartIsBusy(t *testing.T) {
	dev := NewDevice(&countingBackend{}, nopLogger{})

	s, err := dev.Start("a.mp4", "launch-monitor")
	require.NoError(t, err)

	_, err = dev.Start("b.mp4", "manual")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "launch-monitor")

	owner, ok := dev.Owner()
	assert.True(t, ok)
	assert.Equal(t, "launch-monitor", owner)

	require.NoError(t, s.Stop())
	_, ok = dev.Owner()
	assert.False(t, ok)

	s2, err := dev.Start("b.mp4", "manual")
	require.NoError(t, err)
	assert.Equal(t, "b.mp4", s2.Path())
	assert.Equal(t, "manual", s2.Owner())
}

func TestDevice_StopIsIdempotent(t *testing.T) {
	backend := &countingBackend{stopErr: errors.New("encoder fault")}
	dev := NewDevice(backend, nopLogger{})

	s, err := dev.Start("a.mp4", "manual")
	require.NoError(t, err)

	err1 := s.Stop()
	err2 := s.Stop()
	assert.EqualError(t, err1, "encoder fault")
	assert.Equal(t, err1, err2)
	assert.Equal(t, int32(1), s.rec.(*countingRecording).stops.Load())

	// A failed stop still releases the camera
	_, ok := dev.Owner()
	assert.False(t, ok)
}

func TestDevice_StartFailureLeavesCameraFree(t *testing.T) {
	dev := NewDevice(&countingBackend{startErr: errors.New("no device")}, nopLogger{})
	_, err := dev.Start("a.mp4", "manual")
	require.Error(t, err)
	_, ok := dev.Owner()
	assert.False(t, ok)
}

func TestDevice_NeverOverlapsUnderContention(t *testing.T) {
	backend := &countingBackend{}
	dev := NewDevice(backend, nopLogger{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s, err := dev.Start("x.mp4", "worker")
				if err != nil {
					assert.ErrorIs(t, err, ErrBusy)
					continue
				}
				s.Stop()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.maxLive.Load())
	assert.Positive(t, backend.starts.Load())
}

func TestFFmpegArgs(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("input device arguments are linux specific")
	}
	b := NewFFmpegBackend(CaptureConfig{
		Device:   "/dev/video2",
		Width:    1280,
		Height:   720,
		FPS:      120,
		Rotation: 180,
	}, nopLogger{})

	args := b.args("libx264", "/tmp/temp_lm_x.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-f v4l2")
	assert.Contains(t, joined, "-i /dev/video2")
	assert.Contains(t, joined, "-video_size 1280x720")
	assert.Contains(t, joined, "-vf transpose=1,transpose=1")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-g 30")
	assert.Contains(t, joined, "-f mp4")
	assert.Equal(t, "/tmp/temp_lm_x.mp4", args[len(args)-1])
}

func TestDetectVideoEncoder(t *testing.T) {
	orig := runCommand
	t.Cleanup(func() { runCommand = orig })

	t.Run("hardware encoder that fails probe is skipped", func(t *testing.T) {
		runCommand = func(name string, args ...string) ([]byte, error) {
			if args[len(args)-1] == "-encoders" {
				return []byte(" V..... h264_v4l2m2m\n V..... libx264\n"), nil
			}
			return nil, errors.New("no such device")
		}
		assert.Equal(t, "libx264", detectVideoEncoder(nopLogger{}))
	})

	t.Run("working hardware encoder wins", func(t *testing.T) {
		runCommand = func(name string, args ...string) ([]byte, error) {
			return []byte(" V..... h264_v4l2m2m\n V..... libx264\n"), nil
		}
		assert.Equal(t, "h264_v4l2m2m", detectVideoEncoder(nopLogger{}))
	})

	t.Run("ffmpeg missing", func(t *testing.T) {
		runCommand = func(name string, args ...string) ([]byte, error) {
			return nil, errors.New("executable file not found")
		}
		assert.Equal(t, fallbackEncoder, detectVideoEncoder(nopLogger{}))
	})
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bench.mp4")
	require.NoError(t, os.WriteFile(src, []byte("movie"), 0644))

	dev := NewDevice(NewFileBackend(src), nopLogger{})
	out := filepath.Join(dir, "temp_lm_1.mp4")
	s, err := dev.Start(out, "launch-monitor")
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "movie", string(data))
}

func TestRpicamArgs(t *testing.T) {
	b := &RpicamBackend{cfg: CaptureConfig{
		Width:    1456,
		Height:   1088,
		FPS:      60,
		Rotation: 180,
	}.withDefaults()}

	args := b.args("/tmp/temp_lm_y.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-t 0")
	assert.Contains(t, joined, "--width 1456 --height 1088")
	assert.Contains(t, joined, "--framerate 60")
	assert.Contains(t, joined, "--libav-format mp4")
	assert.Contains(t, joined, "--intra 15")
	assert.Contains(t, joined, "--rotation 180")
	assert.NotContains(t, joined, "--shutter")
	assert.Equal(t, "/tmp/temp_lm_y.mp4", args[len(args)-1])

	b.cfg.ShutterUs = 500
	args = b.args("/tmp/temp_lm_y.mp4")
	assert.Contains(t, strings.Join(args, " "), "--shutter 500")
	assert.Equal(t, "/tmp/temp_lm_y.mp4", args[len(args)-1])
}

func TestProcessRecording(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix userland")
	}

	t.Run("quits on request", func(t *testing.T) {
		cmd := exec.Command("cat")
		stdin, err := cmd.StdinPipe()
		require.NoError(t, err)
		rec, err := startProcess(cmd, "cat", stdin.Close, time.Second, nopLogger{})
		require.NoError(t, err)
		assert.NoError(t, rec.Stop())
	})

	t.Run("early exit is an error", func(t *testing.T) {
		cmd := exec.Command("false")
		rec, err := startProcess(cmd, "false", func() error { return nil }, time.Second, nopLogger{})
		require.NoError(t, err)
		<-rec.done
		assert.Error(t, rec.Stop())
	})
}
