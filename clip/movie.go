package clip

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

const (
	HandlerVideo = "vide"
	HandlerAudio = "soun"

	// moov is held in memory while parsing
	maxMoovSize = 64 << 20
)

var (
	errTruncated  = errors.New("truncated box")
	errFragmented = errors.New("fragmented movies are not supported")
)

// Sample is one access unit. Offset points into whatever reader the movie
// was read from; DTS and CTO are in the track timescale.
type Sample struct {
	Offset   int64
	Size     uint32
	DTS      uint64
	Duration uint32
	CTO      int32
	Sync     bool
	SDI      uint32 // sample description index, 1-based
}

// PTS is the presentation time of the sample in the track timescale.
func (s Sample) PTS() int64 {
	return int64(s.DTS) + int64(s.CTO)
}

// Track is one elementary stream of a movie. Boxes that are carried over
// into a rewritten file are kept as decoded.
type Track struct {
	ID        uint32
	Handler   string
	Timescale uint32
	Duration  uint64 // as reported by mdhd, 0 if unknown
	Language  uint16
	Samples   []Sample

	tkhd         *mp4.TkhdBox
	hdlr         *mp4.HdlrBox
	mediaHeaders []mp4.Box // minf children other than stbl, e.g. vmhd and dinf
	stsd         *mp4.StsdBox
}

// NewTrack creates a track for building a movie from scratch.
func NewTrack(id uint32, handler string, timescale uint32, stsd *mp4.StsdBox) *Track {
	return &Track{
		ID:        id,
		Handler:   handler,
		Timescale: timescale,
		Language:  languageUndetermined,
		stsd:      stsd,
	}
}

// ReportedDuration converts the mdhd duration to wall time.
func (t *Track) ReportedDuration() time.Duration {
	return ticksToDuration(t.Duration, t.Timescale)
}

// SampleDuration is the sum of all sample durations in wall time.
func (t *Track) SampleDuration() time.Duration {
	return ticksToDuration(t.sampleTicks(), t.Timescale)
}

// PresentationEnd is when the last sample stops presenting, in wall time.
// It differs from SampleDuration when composition offsets delay the track.
func (t *Track) PresentationEnd() time.Duration {
	end := t.presentationTicks()
	if end < 0 {
		return 0
	}
	return ticksToDuration(uint64(end), t.Timescale)
}

func (t *Track) sampleTicks() uint64 {
	var total uint64
	for _, s := range t.Samples {
		total += uint64(s.Duration)
	}
	return total
}

func (t *Track) presentationTicks() int64 {
	var end int64
	for _, s := range t.Samples {
		if e := s.PTS() + int64(s.Duration); e > end {
			end = e
		}
	}
	return end
}

// Movie is the parsed moov of a progressive MP4 file.
type Movie struct {
	Timescale uint32
	Tracks    []*Track

	ftyp *mp4.FtypBox
}

// Duration is the longest duration any track reports, 0 if none does.
func (m *Movie) Duration() time.Duration {
	var longest time.Duration
	for _, t := range m.Tracks {
		if d := t.ReportedDuration(); d > longest {
			longest = d
		}
	}
	return longest
}

func ticksToDuration(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	ts := uint64(timescale)
	whole := ticks / ts
	rem := ticks % ts
	return time.Duration(whole)*time.Second + time.Duration(rem*uint64(time.Second)/ts)
}

func durationToTicks(d time.Duration, timescale uint32) int64 {
	if d <= 0 {
		return 0
	}
	ts := int64(timescale)
	sec := int64(d / time.Second)
	rem := int64(d % time.Second)
	return sec*ts + rem*ts/int64(time.Second)
}

// ReadMovie parses the moov box of a progressive MP4. Sample offsets in the
// result are absolute offsets in r.
//
// Edit lists are ignored: timing is read on the untransformed media
// timeline, so a cutoff measured against it lands at or before the one a
// player would show and clips come out slightly longer, never shorter.
func ReadMovie(r io.ReaderAt, size int64) (*Movie, error) {
	ftyp, moov, err := readTopLevel(r, size)
	if err != nil {
		return nil, err
	}
	if moov.Mvex != nil {
		return nil, errFragmented
	}
	if moov.Mvhd == nil {
		return nil, errors.New("moov has no mvhd")
	}

	m := &Movie{Timescale: moov.Mvhd.Timescale, ftyp: ftyp}
	for _, trak := range moov.Traks {
		t, err := readTrack(trak)
		if err != nil {
			return nil, fmt.Errorf("trak: %w", err)
		}
		for _, s := range t.Samples {
			if s.Offset+int64(s.Size) > size {
				return nil, fmt.Errorf("%w: track %d sample at %d runs past end of file", errTruncated, t.ID, s.Offset)
			}
		}
		m.Tracks = append(m.Tracks, t)
	}
	if len(m.Tracks) == 0 {
		return nil, errors.New("movie has no tracks")
	}
	return m, nil
}

// readTopLevel walks the top-level boxes and decodes only ftyp and moov.
// mdat is never read.
func readTopLevel(r io.ReaderAt, size int64) (*mp4.FtypBox, *mp4.MoovBox, error) {
	var ftyp *mp4.FtypBox
	var moov *mp4.MoovBox
	for pos := int64(0); pos < size; {
		hdr, err := mp4.DecodeHeader(io.NewSectionReader(r, pos, size-pos))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, nil, fmt.Errorf("%w at offset %d", errTruncated, pos)
			}
			return nil, nil, fmt.Errorf("box at offset %d: %w", pos, err)
		}
		if hdr.Size > uint64(size-pos) {
			return nil, nil, fmt.Errorf("%w: %q at %d declares %d bytes", errTruncated, hdr.Name, pos, hdr.Size)
		}

		switch hdr.Name {
		case "moof":
			return nil, nil, errFragmented
		case "moov":
			if hdr.Size > maxMoovSize {
				return nil, nil, fmt.Errorf("moov of %d bytes is too large", hdr.Size)
			}
			fallthrough
		case "ftyp":
			box, err := mp4.DecodeBox(uint64(pos), io.NewSectionReader(r, pos, int64(hdr.Size)))
			if err != nil {
				return nil, nil, err
			}
			switch b := box.(type) {
			case *mp4.FtypBox:
				ftyp = b
			case *mp4.MoovBox:
				moov = b
			}
		}
		pos += int64(hdr.Size)
	}
	if moov == nil {
		return nil, nil, errors.New(`no "moov" box`)
	}
	return ftyp, moov, nil
}

func readTrack(trak *mp4.TrakBox) (*Track, error) {
	if trak.Tkhd == nil {
		return nil, errors.New("missing tkhd")
	}
	mdia := trak.Mdia
	switch {
	case mdia == nil:
		return nil, errors.New("missing mdia")
	case mdia.Mdhd == nil:
		return nil, errors.New("missing mdhd")
	case mdia.Hdlr == nil:
		return nil, errors.New("missing hdlr")
	case mdia.Minf == nil || mdia.Minf.Stbl == nil:
		return nil, errors.New("missing stbl")
	}

	t := &Track{
		ID:        trak.Tkhd.TrackID,
		Handler:   mdia.Hdlr.HandlerType,
		Timescale: mdia.Mdhd.Timescale,
		Duration:  mdia.Mdhd.Duration,
		Language:  mdia.Mdhd.Language,
		tkhd:      trak.Tkhd,
		hdlr:      mdia.Hdlr,
	}
	if t.Timescale == 0 {
		return nil, fmt.Errorf("track %d has a zero timescale", t.ID)
	}
	// All ones means "unknown" in a v0 mdhd
	if mdia.Mdhd.Version == 0 && t.Duration == math.MaxUint32 {
		t.Duration = 0
	}
	for _, child := range mdia.Minf.Children {
		if child.Type() != "stbl" {
			t.mediaHeaders = append(t.mediaHeaders, child)
		}
	}
	if err := t.readSampleTable(mdia.Minf.Stbl); err != nil {
		return nil, fmt.Errorf("track %d: %w", t.ID, err)
	}
	return t, nil
}

func (t *Track) readSampleTable(stbl *mp4.StblBox) error {
	if stbl.Stsd == nil {
		return errors.New("missing stsd")
	}
	t.stsd = stbl.Stsd

	sizes, err := sampleSizes(stbl)
	if err != nil {
		return err
	}
	if len(sizes) == 0 {
		return nil
	}
	samples := make([]Sample, len(sizes))
	for i, size := range sizes {
		samples[i].Size = size
		samples[i].Sync = true
		samples[i].SDI = 1
	}

	if err := applyStts(stbl.Stts, samples); err != nil {
		return err
	}
	applyCtts(stbl.Ctts, samples)
	if err := applyStss(stbl.Stss, samples); err != nil {
		return err
	}
	if err := applyChunks(stbl, samples); err != nil {
		return err
	}
	t.Samples = samples
	return nil
}

func sampleSizes(stbl *mp4.StblBox) ([]uint32, error) {
	stsz := stbl.Stsz
	if stsz == nil {
		for _, child := range stbl.Children {
			if child.Type() == "stz2" {
				return nil, errors.New("compact sample sizes (stz2) are not supported")
			}
		}
		return nil, errors.New("missing stsz")
	}
	count := stsz.GetNrSamples()
	if stsz.SampleUniformSize == 0 && uint32(len(stsz.SampleSize)) < count {
		return nil, fmt.Errorf("stsz: %w", errTruncated)
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		if stsz.SampleUniformSize != 0 {
			sizes[i] = stsz.SampleUniformSize
		} else {
			sizes[i] = stsz.SampleSize[i]
		}
	}
	return sizes, nil
}

func applyStts(stts *mp4.SttsBox, samples []Sample) error {
	if stts == nil {
		return errors.New("missing stts")
	}
	var i int
	var dts uint64
	for e, count := range stts.SampleCount {
		delta := stts.SampleTimeDelta[e]
		for c := uint32(0); c < count && i < len(samples); c++ {
			samples[i].DTS = dts
			samples[i].Duration = delta
			dts += uint64(delta)
			i++
		}
	}
	if i != len(samples) {
		return fmt.Errorf("stts covers %d of %d samples", i, len(samples))
	}
	return nil
}

func applyCtts(ctts *mp4.CttsBox, samples []Sample) {
	if ctts == nil {
		return
	}
	var i int
	for e := 0; e < ctts.NrSampleCount(); e++ {
		offset := ctts.SampleOffset[e]
		for c := uint32(0); c < ctts.SampleCount(e) && i < len(samples); c++ {
			samples[i].CTO = offset
			i++
		}
	}
}

func applyStss(stss *mp4.StssBox, samples []Sample) error {
	if stss == nil {
		// No stss means every sample is a sync sample
		return nil
	}
	for i := range samples {
		samples[i].Sync = false
	}
	for _, n := range stss.SampleNumber {
		if n == 0 || int(n) > len(samples) {
			return fmt.Errorf("stss references sample %d of %d", n, len(samples))
		}
		samples[n-1].Sync = true
	}
	return nil
}

func applyChunks(stbl *mp4.StblBox, samples []Sample) error {
	var offsets []uint64
	switch {
	case stbl.Co64 != nil:
		offsets = stbl.Co64.ChunkOffset
	case stbl.Stco != nil:
		offsets = make([]uint64, len(stbl.Stco.ChunkOffset))
		for i, off := range stbl.Stco.ChunkOffset {
			offsets[i] = uint64(off)
		}
	default:
		return errors.New("missing stco/co64")
	}

	stsc := stbl.Stsc
	if stsc == nil {
		return errors.New("missing stsc")
	}
	if len(stsc.Entries) == 0 {
		return errors.New("empty stsc")
	}

	var i int
	for e, entry := range stsc.Entries {
		lastChunk := uint32(len(offsets))
		if e+1 < len(stsc.Entries) {
			lastChunk = stsc.Entries[e+1].FirstChunk - 1
		}
		if entry.FirstChunk == 0 || lastChunk > uint32(len(offsets)) {
			return fmt.Errorf("stsc entry %d references chunk outside 1..%d", e, len(offsets))
		}
		sdi := descriptionIndex(stsc, e)
		for chunk := entry.FirstChunk; chunk <= lastChunk; chunk++ {
			off := int64(offsets[chunk-1])
			for n := uint32(0); n < entry.SamplesPerChunk && i < len(samples); n++ {
				samples[i].Offset = off
				samples[i].SDI = sdi
				off += int64(samples[i].Size)
				i++
			}
		}
	}
	if i != len(samples) {
		return fmt.Errorf("chunks hold %d of %d samples", i, len(samples))
	}
	return nil
}

// descriptionIndex is the sample description index of stsc entry e.
// SampleDescriptionID is only filled in when entries disagree.
func descriptionIndex(stsc *mp4.StscBox, e int) uint32 {
	if len(stsc.SampleDescriptionID) > e {
		return stsc.SampleDescriptionID[e]
	}
	return stsc.GetSampleDescriptionID(1)
}
