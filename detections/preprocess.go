package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// InputBuffer holds one planar RGB float32 input tensor (NCHW, batch 1).
type InputBuffer struct {
	Data []float32
}

// Preprocessor resizes letterboxed frames to the network input size and
// lays them out channel-major with raw 0..255 values, which is what the
// YOLOX exports expect.
type Preprocessor struct {
	size       int
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return &InputBuffer{Data: make([]float32, size*size*channels)}
			},
		},
	}
}

// Size is the square network input edge length.
func (p *Preprocessor) Size() int {
	return p.size
}

// Process converts img into a pooled input buffer. The caller returns the
// buffer with Release once its contents have been copied out.
func (p *Preprocessor) Process(img image.Image) *InputBuffer {
	var src *image.NRGBA
	if b := img.Bounds(); b.Dx() != p.size || b.Dy() != p.size {
		src = imaging.Resize(img, p.size, p.size, imaging.Linear)
	} else if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		src = n
	} else {
		src = imaging.Clone(img)
	}

	buf := p.bufferPool.Get().(*InputBuffer)
	p.processParallel(src, buf.Data)
	return buf
}

// Release hands a buffer back to the pool.
func (p *Preprocessor) Release(buf *InputBuffer) {
	if buf != nil {
		p.bufferPool.Put(buf)
	}
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.size * p.size
	workers := min(p.numWorkers, p.size)
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := img.Pix[y*img.Stride:]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					px := row[x*4 : x*4+3]
					buffer[i] = float32(px[0])
					buffer[channelSize+i] = float32(px[1])
					buffer[channelSize*2+i] = float32(px[2])
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
