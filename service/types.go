package service

import (
	"image"
)

const (
	// ImageSize is the fixed spatial resolution of the network input and output.
	ImageSize = 256
	Channels  = 3

	// NoStyle marks an unset secondary style.
	NoStyle = "none"
)

// Input slot order is fixed by the model file.
const (
	SlotImage = iota
	SlotWeight
	SlotSecondary
	SlotPrimary
	NumSlots
)

// PixelTensor holds a preprocessed image as interleaved RGB floats in [0,1], row-major.
type PixelTensor []float32

func NewPixelTensor() PixelTensor {
	return make(PixelTensor, ImageSize*ImageSize*Channels)
}

func (p PixelTensor) Valid() bool {
	return len(p) == ImageSize*ImageSize*Channels
}

// Selector is a one-hot vector over the catalog slots.
type Selector []float32

// Active returns the hot slot, or -1 for an all-zero selector.
func (s Selector) Active() int {
	for i, v := range s {
		if v == 1 {
			return i
		}
	}
	return -1
}

// Inputs are the bound network inputs for a single invocation.
type Inputs struct {
	Image     PixelTensor
	Weight    float32
	Secondary Selector
	Primary   Selector
}

// Slots returns the input buffers in model slot order.
func (in Inputs) Slots() [NumSlots][]float32 {
	return [NumSlots][]float32{
		SlotImage:     in.Image,
		SlotWeight:    {in.Weight},
		SlotSecondary: in.Secondary,
		SlotPrimary:   in.Primary,
	}
}

// Session is a loaded model with allocated tensors. Implementations are not safe
// for concurrent use; the engine serializes all calls.
type Session interface {
	// Run binds in and invokes the model. The returned slice is only valid
	// until the next call to Run.
	Run(in Inputs) ([]float32, error)
	Destroy() error
}

type SessionOptions struct {
	Threads   int
	Styles    int
	ImageSize int
}

// SlotSizes is the float count each input slot binds, followed by the output's.
func (o SessionOptions) SlotSizes() (in [NumSlots]int, out int) {
	out = o.ImageSize * o.ImageSize * Channels
	in[SlotImage] = out
	in[SlotWeight] = 1
	in[SlotSecondary] = o.Styles
	in[SlotPrimary] = o.Styles
	return in, out
}

// Loader opens the model file at path.
type Loader func(path string, opts SessionOptions) (Session, error)

type Request struct {
	Image     image.Image
	Primary   string
	Secondary string
	// Blend is the secondary style's contribution in [0,1].
	Blend float32
}

func (r Request) HasSecondary() bool {
	return r.Secondary != "" && r.Secondary != NoStyle
}

// Outcome is the result of one style transfer.
type Outcome = Result[image.Image]
