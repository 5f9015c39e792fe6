package onnx

import (
	"github.com/krau/stylized/service"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Session runs a style transfer network through ONNX Runtime with
// preallocated input and output tensors.
type Session struct {
	session *ort.AdvancedSession
	inputs  [service.NumSlots]*ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ service.Session = (*Session)(nil)

// Load implements service.Loader.
func Load(path string, opts service.SessionOptions) (service.Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get model input/output info")
	}
	if len(inputs) != service.NumSlots || len(outputs) != 1 {
		return nil, errors.Errorf("model has %d inputs and %d outputs, want %d and 1",
			len(inputs), len(outputs), service.NumSlots)
	}

	want, size := opts.SlotSizes()

	s := &Session{}
	ok := false
	defer func() {
		if !ok {
			s.destroyTensors()
		}
	}()

	inputNames := make([]string, service.NumSlots)
	inputValues := make([]ort.Value, service.NumSlots)
	for slot, info := range inputs {
		shape, err := fixedShape(info.Dimensions, want[slot])
		if err != nil {
			return nil, errors.Wrapf(err, "input %d (%s)", slot, info.Name)
		}
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create input tensor %s", info.Name)
		}
		s.inputs[slot] = t
		inputNames[slot] = info.Name
		inputValues[slot] = t
	}

	outShape, err := fixedShape(outputs[0].Dimensions, size)
	if err != nil {
		return nil, errors.Wrapf(err, "output (%s)", outputs[0].Name)
	}
	s.output, err = ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return nil, errors.Wrap(err, "failed to set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, errors.Wrap(err, "failed to set inter-op threads")
	}

	s.session, err = ort.NewAdvancedSession(
		path,
		inputNames,
		[]string{outputs[0].Name},
		inputValues,
		[]ort.Value{s.output},
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNX Runtime session")
	}
	ok = true
	return s, nil
}

// fixedShape resolves dynamic dimensions to 1 and checks the element count.
func fixedShape(dims ort.Shape, want int) (ort.Shape, error) {
	if len(dims) == 0 {
		dims = ort.NewShape(1)
	}
	shape := make(ort.Shape, len(dims))
	n := int64(1)
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
		n *= d
	}
	if n != int64(want) {
		return nil, errors.Errorf("shape %v holds %d elements, want %d", dims, n, want)
	}
	return shape, nil
}

func (s *Session) Run(in service.Inputs) ([]float32, error) {
	for slot, buf := range in.Slots() {
		dst := s.inputs[slot].GetData()
		if len(dst) != len(buf) {
			return nil, errors.Errorf("input slot %d holds %d floats, got %d", slot, len(dst), len(buf))
		}
		copy(dst, buf)
	}
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	return s.output.GetData(), nil
}

func (s *Session) destroyTensors() {
	for i, t := range s.inputs {
		if t != nil {
			t.Destroy()
			s.inputs[i] = nil
		}
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
}

func (s *Session) Destroy() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	s.destroyTensors()
	return err
}
