package clip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/Eyevinn/mp4ff/mp4"
)

const (
	languageUndetermined = 0x55C4 // "und"
	maxSamplesPerChunk   = 64
	copyBufferSize       = 256 * 1024
)

func defaultFtyp() *mp4.FtypBox {
	return mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "mp41"})
}

// WriteMovie writes m as a progressive MP4 with the moov up front: ftyp,
// moov, then one mdat with every sample copied verbatim from src. Sample
// data for each track is laid out contiguously, and DTS values are implied
// by sample durations.
func WriteMovie(w io.Writer, src io.ReaderAt, m *Movie) error {
	if m.Timescale == 0 {
		return errors.New("movie timescale is zero")
	}
	for _, t := range m.Tracks {
		if t.stsd == nil {
			return fmt.Errorf("track %d has no sample description", t.ID)
		}
	}

	ftyp := m.ftyp
	if ftyp == nil {
		ftyp = defaultFtyp()
	}

	var payload uint64
	layouts := make([][]chunk, len(m.Tracks))
	for i, t := range m.Tracks {
		layouts[i] = planChunks(t.Samples, &payload)
	}
	largeMdat := payload+8 > math.MaxUint32
	mdatHeader := uint64(8)
	if largeMdat {
		mdatHeader = 16
	}

	// Chunk offset box sizes depend only on entry counts, so a first pass
	// with no base fixes where the payload starts.
	moov, err := buildMoov(m, layouts, 0, false)
	if err != nil {
		return err
	}
	base := ftyp.Size() + moov.Size() + mdatHeader
	wide := base+payload > math.MaxUint32
	if moov, err = buildMoov(m, layouts, base, wide); err != nil {
		return err
	}
	if wide {
		base = ftyp.Size() + moov.Size() + mdatHeader
		if moov, err = buildMoov(m, layouts, base, wide); err != nil {
			return err
		}
	}

	bw := bufio.NewWriterSize(w, copyBufferSize)
	if err := ftyp.Encode(bw); err != nil {
		return err
	}
	if err := moov.Encode(bw); err != nil {
		return err
	}
	if err := mp4.EncodeHeaderWithSize("mdat", payload+mdatHeader, largeMdat, bw); err != nil {
		return err
	}
	for _, t := range m.Tracks {
		if err := copySamples(bw, src, t.Samples); err != nil {
			return fmt.Errorf("track %d: %w", t.ID, err)
		}
	}
	return bw.Flush()
}

// chunk offsets are relative to the start of the mdat payload until the
// moov is built.
type chunk struct {
	offset  uint64
	samples uint32
	sdi     uint32
}

// planChunks groups samples into chunks as they will be laid out after
// pos, advancing pos past them. A description change always starts a new
// chunk.
func planChunks(samples []Sample, pos *uint64) []chunk {
	var chunks []chunk
	for _, s := range samples {
		last := len(chunks) - 1
		if last < 0 || chunks[last].sdi != s.SDI || chunks[last].samples == maxSamplesPerChunk {
			chunks = append(chunks, chunk{offset: *pos, sdi: s.SDI})
			last++
		}
		chunks[last].samples++
		*pos += uint64(s.Size)
	}
	return chunks
}

func copySamples(w io.Writer, src io.ReaderAt, samples []Sample) error {
	for _, s := range samples {
		n, err := io.Copy(w, io.NewSectionReader(src, s.Offset, int64(s.Size)))
		if err != nil {
			return fmt.Errorf("failed to copy sample at %d: %w", s.Offset, err)
		}
		if n != int64(s.Size) {
			return fmt.Errorf("sample at %d: copied %d of %d bytes", s.Offset, n, s.Size)
		}
	}
	return nil
}

func buildMoov(m *Movie, layouts [][]chunk, base uint64, wide bool) (*mp4.MoovBox, error) {
	moov := mp4.NewMoovBox()
	mvhd := mp4.CreateMvhd()
	mvhd.Timescale = m.Timescale
	moov.AddChild(mvhd)

	for i, t := range m.Tracks {
		trak, movieTicks, err := buildTrak(t, m.Timescale, layouts[i], base, wide)
		if err != nil {
			return nil, err
		}
		if movieTicks > mvhd.Duration {
			mvhd.Duration = movieTicks
		}
		if t.ID >= mvhd.NextTrackID {
			mvhd.NextTrackID = t.ID + 1
		}
		moov.AddChild(trak)
	}
	mvhd.Version = versionFor(mvhd.Duration)
	return moov, nil
}

// buildTrak reuses the source tkhd, which carries the picture size, with
// its duration replaced. Tracks built from scratch get a fresh one. The
// returned duration is in the movie timescale and runs to the end of
// presentation, so a delayed track is covered in full.
func buildTrak(t *Track, movieTimescale uint32, chunks []chunk, base uint64, wide bool) (*mp4.TrakBox, uint64, error) {
	var presented uint64
	if end := t.presentationTicks(); end > 0 {
		presented = uint64(end)
	}
	movieTicks := rescale(presented, t.Timescale, movieTimescale)

	var tkhd mp4.TkhdBox
	if t.tkhd != nil {
		tkhd = *t.tkhd
	} else {
		tkhd = *mp4.CreateTkhd()
		tkhd.Flags = 0x3 // enabled, in movie
		tkhd.TrackID = t.ID
		if t.Handler == HandlerAudio {
			tkhd.Volume = 0x0100
		}
	}
	tkhd.Duration = movieTicks
	if tkhd.Version == 0 {
		tkhd.Version = versionFor(movieTicks)
	}

	mediaTicks := t.sampleTicks()
	mdhd := &mp4.MdhdBox{
		Version:   versionFor(mediaTicks),
		Timescale: t.Timescale,
		Duration:  mediaTicks,
		Language:  t.Language,
	}

	hdlr := t.hdlr
	if hdlr == nil {
		var err error
		if hdlr, err = mp4.CreateHdlr(t.Handler); err != nil {
			return nil, 0, fmt.Errorf("track %d: %w", t.ID, err)
		}
	}

	minf := mp4.NewMinfBox()
	for _, header := range mediaInfoHeaders(t) {
		minf.AddChild(header)
	}
	stbl, err := sampleTable(t, chunks, base, wide)
	if err != nil {
		return nil, 0, fmt.Errorf("track %d: %w", t.ID, err)
	}
	minf.AddChild(stbl)

	mdia := mp4.NewMdiaBox()
	mdia.AddChild(mdhd)
	mdia.AddChild(hdlr)
	mdia.AddChild(minf)

	trak := mp4.NewTrakBox()
	trak.AddChild(&tkhd)
	trak.AddChild(mdia)
	return trak, movieTicks, nil
}

func rescale(ticks uint64, from, to uint32) uint64 {
	if from == 0 || from == to {
		return ticks
	}
	return ticks/uint64(from)*uint64(to) + ticks%uint64(from)*uint64(to)/uint64(from)
}

func versionFor(v uint64) byte {
	if v > math.MaxUint32 {
		return 1
	}
	return 0
}

func mediaInfoHeaders(t *Track) []mp4.Box {
	if len(t.mediaHeaders) > 0 {
		return t.mediaHeaders
	}
	dinf := &mp4.DinfBox{}
	dinf.AddChild(mp4.CreateDref())
	switch t.Handler {
	case HandlerVideo:
		return []mp4.Box{mp4.CreateVmhd(), dinf}
	case HandlerAudio:
		return []mp4.Box{mp4.CreateSmhd(), dinf}
	default:
		return []mp4.Box{dinf}
	}
}

func sampleTable(t *Track, chunks []chunk, base uint64, wide bool) (*mp4.StblBox, error) {
	stbl := mp4.NewStblBox()
	stbl.AddChild(t.stsd)
	stbl.AddChild(timeToSample(t.Samples))
	if ctts, err := compositionOffsets(t.Samples); err != nil {
		return nil, err
	} else if ctts != nil {
		stbl.AddChild(ctts)
	}
	if stss := syncSamples(t.Samples); stss != nil {
		stbl.AddChild(stss)
	}
	stbl.AddChild(sampleSizeBox(t.Samples))
	stsc, err := sampleToChunk(chunks)
	if err != nil {
		return nil, err
	}
	stbl.AddChild(stsc)
	stbl.AddChild(chunkOffsets(chunks, base, wide))
	return stbl, nil
}

func timeToSample(samples []Sample) *mp4.SttsBox {
	stts := &mp4.SttsBox{}
	for i, s := range samples {
		if i > 0 && s.Duration == samples[i-1].Duration {
			stts.SampleCount[len(stts.SampleCount)-1]++
			continue
		}
		stts.SampleCount = append(stts.SampleCount, 1)
		stts.SampleTimeDelta = append(stts.SampleTimeDelta, s.Duration)
	}
	return stts
}

// compositionOffsets returns nil when every offset is zero. Version 1 is
// used when rebased offsets went negative.
func compositionOffsets(samples []Sample) (*mp4.CttsBox, error) {
	var counts []uint32
	var offsets []int32
	needed, negative := false, false
	for i, s := range samples {
		needed = needed || s.CTO != 0
		negative = negative || s.CTO < 0
		if i > 0 && s.CTO == samples[i-1].CTO {
			counts[len(counts)-1]++
			continue
		}
		counts = append(counts, 1)
		offsets = append(offsets, s.CTO)
	}
	if !needed {
		return nil, nil
	}
	ctts := &mp4.CttsBox{}
	if negative {
		ctts.Version = 1
	}
	if err := ctts.AddSampleCountsAndOffset(counts, offsets); err != nil {
		return nil, err
	}
	return ctts, nil
}

// syncSamples returns nil when every sample is a sync sample.
func syncSamples(samples []Sample) *mp4.StssBox {
	stss := &mp4.StssBox{}
	for i, s := range samples {
		if s.Sync {
			stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
		}
	}
	if len(stss.SampleNumber) == len(samples) {
		return nil
	}
	return stss
}

func sampleSizeBox(samples []Sample) *mp4.StszBox {
	stsz := &mp4.StszBox{SampleNumber: uint32(len(samples))}
	uniform := len(samples) > 0
	for _, s := range samples {
		if s.Size != samples[0].Size {
			uniform = false
			break
		}
	}
	if uniform {
		stsz.SampleUniformSize = samples[0].Size
		return stsz
	}
	stsz.SampleSize = make([]uint32, len(samples))
	for i, s := range samples {
		stsz.SampleSize[i] = s.Size
	}
	return stsz
}

func sampleToChunk(chunks []chunk) (*mp4.StscBox, error) {
	stsc := &mp4.StscBox{}
	for i, c := range chunks {
		if i > 0 && c.samples == chunks[i-1].samples && c.sdi == chunks[i-1].sdi {
			continue
		}
		if err := stsc.AddEntry(uint32(i+1), c.samples, c.sdi); err != nil {
			return nil, err
		}
	}
	return stsc, nil
}

func chunkOffsets(chunks []chunk, base uint64, wide bool) mp4.Box {
	if wide {
		co64 := &mp4.Co64Box{ChunkOffset: make([]uint64, len(chunks))}
		for i, c := range chunks {
			co64.ChunkOffset[i] = base + c.offset
		}
		return co64
	}
	stco := &mp4.StcoBox{ChunkOffset: make([]uint32, len(chunks))}
	for i, c := range chunks {
		stco.ChunkOffset[i] = uint32(base + c.offset)
	}
	return stco
}
