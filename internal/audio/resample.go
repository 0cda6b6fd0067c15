// ABOUTME: Linear-interpolation sample rate conversion for sources
// ABOUTME: Lets a file recorded at one rate feed a stream announced at another
package audio

import "context"

// resampledSource converts a source to another sample rate, carrying
// unconsumed input and the fractional read position across frames.
type resampledSource struct {
	src    Source
	format Format
	ratio  float64
	in     []int32
	buf    []int32
	pos    float64
}

// Resampled returns src converted to rate. The frame size is kept. A source
// already at rate is returned as is.
func Resampled(src Source, rate int) Source {
	in := src.Format()
	if rate <= 0 || in.SampleRate == rate {
		return src
	}
	out := in
	out.SampleRate = rate
	return &resampledSource{
		src:    src,
		format: out,
		ratio:  float64(in.SampleRate) / float64(rate),
		in:     make([]int32, in.FrameLen()),
	}
}

func (r *resampledSource) ReadFrame(ctx context.Context, samples []int32) (int, error) {
	ch := r.format.Channels
	frames := len(samples) / ch

	for i := 0; i < frames; i++ {
		idx := int(r.pos)
		for idx+1 >= len(r.buf)/ch {
			n, err := r.src.ReadFrame(ctx, r.in)
			if err != nil {
				return i * ch, err
			}
			r.buf = append(r.buf, r.in[:n]...)
		}

		frac := r.pos - float64(idx)
		for c := 0; c < ch; c++ {
			a := float64(r.buf[idx*ch+c])
			b := float64(r.buf[(idx+1)*ch+c])
			samples[i*ch+c] = int32(a*(1-frac) + b*frac)
		}
		r.pos += r.ratio
	}

	drop := int(r.pos)
	if have := len(r.buf) / ch; drop > have {
		drop = have
	}
	if drop > 0 {
		r.buf = append(r.buf[:0], r.buf[drop*ch:]...)
		r.pos -= float64(drop)
	}
	return frames * ch, nil
}

func (r *resampledSource) Format() Format { return r.format }
func (r *resampledSource) Close() error   { return r.src.Close() }
