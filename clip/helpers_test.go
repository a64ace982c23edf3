package clip

import (
	"bytes"
	"os"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/require"
)

type trackSpec struct {
	handler   string
	timescale uint32
	delta     uint32
	count     int
	syncEvery int // 0 marks every sample as sync
	cto       func(i int) int32
	sdi       func(i int) uint32
}

// testStsd describes video with two entries so samples can switch
// description mid-stream.
func testStsd(handler string) *mp4.StsdBox {
	stsd := mp4.NewStsdBox()
	if handler == HandlerAudio {
		stsd.AddChild(mp4.CreateAudioSampleEntryBox("mp4a", 2, 16, 48000, nil))
		return stsd
	}
	stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", 1280, 720, nil))
	stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", 640, 360, nil))
	return stsd
}

// sampleBytes gives every sample a distinct payload so copies can be
// checked byte for byte.
func sampleBytes(track, i int) []byte {
	b := make([]byte, 48+i%13)
	for j := range b {
		b[j] = byte(track*31 + i*7 + j)
	}
	return b
}

func buildMovie(specs ...trackSpec) (*Movie, []byte) {
	var payload bytes.Buffer
	m := &Movie{Timescale: 1000}
	for ti, spec := range specs {
		tr := NewTrack(uint32(ti+1), spec.handler, spec.timescale, testStsd(spec.handler))
		var dts uint64
		for i := 0; i < spec.count; i++ {
			data := sampleBytes(ti, i)
			s := Sample{
				Offset:   int64(payload.Len()),
				Size:     uint32(len(data)),
				DTS:      dts,
				Duration: spec.delta,
				Sync:     spec.syncEvery == 0 || i%spec.syncEvery == 0,
				SDI:      1,
			}
			if spec.cto != nil {
				s.CTO = spec.cto(i)
			}
			if spec.sdi != nil {
				s.SDI = spec.sdi(i)
			}
			payload.Write(data)
			tr.Samples = append(tr.Samples, s)
			dts += uint64(spec.delta)
		}
		m.Tracks = append(m.Tracks, tr)
	}
	return m, payload.Bytes()
}

func writeSource(t *testing.T, path string, specs ...trackSpec) {
	t.Helper()
	m, payload := buildMovie(specs...)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, WriteMovie(f, bytes.NewReader(payload), m))
}

func readFileMovie(t *testing.T, path string) (*Movie, []byte) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	m, err := ReadMovie(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return m, data
}

func payloadOf(data []byte, s Sample) []byte {
	return data[s.Offset : s.Offset+int64(s.Size)]
}

func trackByHandler(t *testing.T, m *Movie, handler string) *Track {
	t.Helper()
	for _, tr := range m.Tracks {
		if tr.Handler == handler {
			return tr
		}
	}
	require.Failf(t, "missing track", "no %s track", handler)
	return nil
}

// 10 s of 30 fps video with a keyframe every half second, and 48 kHz AAC
// framing that runs a few milliseconds past it.
var (
	videoSpec = trackSpec{handler: HandlerVideo, timescale: 3000, delta: 100, count: 300, syncEvery: 15}
	audioSpec = trackSpec{handler: HandlerAudio, timescale: 48000, delta: 1024, count: 469}
)

// closedGOP models I P B P B ... decode order within 15-frame groups.
func closedGOP(i int) int32 {
	switch j := i % 15; {
	case j == 0:
		return 100
	case j%2 == 1:
		return 200
	default:
		return 0
	}
}
