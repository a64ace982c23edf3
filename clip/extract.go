package clip

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/exp/mmap"
)

// ErrUnknownDuration is returned when no track of the source reports a
// duration, so there is nothing to measure the cutoff against.
var ErrUnknownDuration = errors.New("could not determine container duration")

const partialSuffix = ".part"

// Result describes a finished clip.
type Result struct {
	Path     string
	Bytes    int64
	Duration time.Duration // longest output track
	Cutoff   time.Duration // where the clip was cut in the source timeline
	Tracks   int
}

// Extract copies the last target of the movie at srcPath into a new file at
// outPath. The clip starts at the earliest of the tracks' nearest sync
// samples at or before the cutoff, so it may run slightly longer than
// target but never shorter. Sample data is copied untouched; only timing is
// rewritten. On failure nothing is left at outPath.
func Extract(srcPath string, target time.Duration, outPath string) (res Result, err error) {
	src, err := mmap.Open(srcPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open source container: %w", err)
	}
	defer src.Close()

	movie, err := ReadMovie(src, int64(src.Len()))
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse source container: %w", err)
	}

	total := movie.Duration()
	if total <= 0 {
		return Result{}, ErrUnknownDuration
	}
	cutoff := total - target
	if cutoff < 0 {
		cutoff = 0
	}

	trimmed, err := Trim(movie, cutoff)
	if err != nil {
		return Result{}, err
	}

	partPath := outPath + partialSuffix
	out, err := os.Create(partPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(partPath)
			os.Remove(outPath)
		}
	}()

	if err = WriteMovie(out, src, trimmed); err != nil {
		return Result{}, fmt.Errorf("failed to write clip: %w", err)
	}
	if err = out.Sync(); err != nil {
		return Result{}, err
	}
	if err = out.Close(); err != nil {
		return Result{}, err
	}
	if err = os.Rename(partPath, outPath); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return Result{}, err
	}

	res = Result{
		Path:   outPath,
		Bytes:  info.Size(),
		Cutoff: cutoff,
		Tracks: len(trimmed.Tracks),
	}
	for _, t := range trimmed.Tracks {
		if d := t.PresentationEnd(); d > res.Duration {
			res.Duration = d
		}
	}
	return res, nil
}

// Trim returns a copy of m cut at cutoff. Each track picks its last sync
// sample presenting at or before cutoff, and the earliest of those sets one
// shared start for the clip. Every other track then starts at its first
// sync sample presenting at or after that start, and all tracks are
// shifted by the same wall-clock amount so they stay in sync. Decode times
// are rebased to zero and the shift is carried by composition offsets, so a
// track that begins after the shared start keeps its delay.
func Trim(m *Movie, cutoff time.Duration) (*Movie, error) {
	type cut struct {
		track *Track
		start int
	}
	var cuts []cut
	var ref *Track
	var refPTS int64
	for _, t := range m.Tracks {
		if len(t.Samples) == 0 {
			continue
		}
		start := syncPointBefore(t.Samples, durationToTicks(cutoff, t.Timescale))
		pts := t.Samples[start].PTS()
		if ref == nil || presentsBefore(pts, t.Timescale, refPTS, ref.Timescale) {
			ref, refPTS = t, pts
		}
		cuts = append(cuts, cut{track: t, start: start})
	}
	if len(cuts) == 0 {
		return nil, errors.New("source container has no samples")
	}

	out := &Movie{
		Timescale: m.Timescale,
		ftyp:      m.ftyp,
	}
	for _, c := range cuts {
		t := c.track
		shift := refPTS
		if t != ref {
			shift = rescaleFloor(refPTS, ref.Timescale, t.Timescale)
			c.start = syncPointFrom(t.Samples, shift, c.start)
		}
		samples, err := rebase(t.Samples[c.start:], shift)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", t.ID, err)
		}
		trimmed := *t
		trimmed.Samples = samples
		trimmed.Duration = trimmed.sampleTicks()
		out.Tracks = append(out.Tracks, &trimmed)
	}
	return out, nil
}

// presentsBefore compares a/aScale with b/bScale seconds.
func presentsBefore(a int64, aScale uint32, b int64, bScale uint32) bool {
	return a*int64(bScale) < b*int64(aScale)
}

// rescaleFloor converts ticks between timescales, rounding toward negative
// infinity so the result never presents after the original.
func rescaleFloor(ticks int64, from, to uint32) int64 {
	num := ticks * int64(to)
	den := int64(from)
	q := num / den
	if num%den != 0 && num < 0 {
		q--
	}
	return q
}

// syncPointBefore picks the sync sample presenting latest at or before
// cutoff. When the cutoff precedes every sync sample the first one is used,
// and a track without sync samples starts at its first sample.
func syncPointBefore(samples []Sample, cutoff int64) int {
	best, first := -1, -1
	var bestPTS int64
	for i, s := range samples {
		if !s.Sync {
			continue
		}
		if first < 0 {
			first = i
		}
		if pts := s.PTS(); pts <= cutoff && (best < 0 || pts >= bestPTS) {
			best, bestPTS = i, pts
		}
	}
	switch {
	case best >= 0:
		return best
	case first >= 0:
		return first
	default:
		return 0
	}
}

// syncPointFrom picks the first sync sample up to limit that presents at
// or after start. limit itself must qualify; it is returned when nothing
// earlier does.
func syncPointFrom(samples []Sample, start int64, limit int) int {
	for i := 0; i < limit; i++ {
		if samples[i].Sync && samples[i].PTS() >= start {
			return i
		}
	}
	return limit
}

// rebase moves decode times so the first sample decodes at zero, and
// presentation times back by shift ticks. The difference between the two is
// folded into the composition offsets.
func rebase(samples []Sample, shift int64) ([]Sample, error) {
	out := make([]Sample, len(samples))
	copy(out, samples)
	if len(out) == 0 {
		return out, nil
	}
	baseDTS := out[0].DTS
	delta := int64(baseDTS) - shift
	for i := range out {
		cto := int64(out[i].CTO) + delta
		if cto < math.MinInt32 || cto > math.MaxInt32 {
			return nil, fmt.Errorf("composition offset %d out of range after shifting by %d", cto, shift)
		}
		out[i].DTS -= baseDTS
		out[i].CTO = int32(cto)
	}
	return out, nil
}

// Probe reads the timing of the movie at path.
func Probe(path string) (*Movie, error) {
	src, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return ReadMovie(src, int64(src.Len()))
}
