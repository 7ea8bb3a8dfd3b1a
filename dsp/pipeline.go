package dsp

import (
	"errors"
	"fmt"
	"sync"
)

// ErrShortFrame is returned when a frame is too short to hold a single chunk
var ErrShortFrame = errors.New("frame shorter than one chunk")

// averagingKey is the part of the settings that invalidates trace history
type averagingKey struct {
	fo       float64
	decimate int
	averages int
	chunkDiv int
}

// Pipeline runs raw frames through conditioning, spectrum estimation and
// averaging. A mutex covers one whole pass so Reset may be called from
// another goroutine while frames are being processed.
type Pipeline struct {
	mu       sync.Mutex
	cond     Conditioner
	spec     Spectrum
	avg      *Averager
	key      averagingKey
	keyValid bool
	frames   uint64
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{avg: NewAverager(1)}
}

// Process turns one raw frame into an averaged, frequency mapped trace.
// The frame is sliced into overlapping chunks per s; each chunk contributes
// one magnitude trace to the history and the mean after the last chunk is
// returned.
func (p *Pipeline) Process(frame []byte, s Settings) (Trace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := averagingKey{fo: s.Fo, decimate: s.Decimate, averages: s.Averages, chunkDiv: s.ChunkDiv}
	if !p.keyValid || key != p.key {
		p.avg.SetCapacity(s.Averages)
		p.key = key
		p.keyValid = true
	}

	offsets := s.ChunkOffsets(len(frame) / 2)
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: %d bytes, chunk needs %d", ErrShortFrame, len(frame), 2*s.ChunkPoints())
	}

	// Every chunk is conditioned before any reaches the history, so a
	// rejected frame leaves the average untouched
	nChunk := s.ChunkPoints()
	mags := make([][]float64, 0, len(offsets))
	for _, off := range offsets {
		i, q, err := p.cond.Condition(frame[2*off:2*(off+nChunk)], s)
		if err != nil {
			return nil, err
		}
		mags = append(mags, p.spec.Magnitude(i, q))
	}

	var mean []float64
	for _, m := range mags {
		mean = p.avg.Push(m)
	}

	CorrectCenter(mean)
	p.frames++
	return MapTrace(mean, s), nil
}

// Reset clears the trace history
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avg.Reset()
}

// Frames returns the number of frames successfully processed
func (p *Pipeline) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// HistoryLen returns how many traces currently contribute to the mean
func (p *Pipeline) HistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avg.Len()
}
