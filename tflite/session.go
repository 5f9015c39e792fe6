// Package tflite runs style transfer networks in their native TensorFlow Lite format.
package tflite

import (
	"github.com/krau/stylized/service"
	"github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Session struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	inputs      [service.NumSlots]*tflite.Tensor
	output      *tflite.Tensor
	outSize     int
}

var _ service.Session = (*Session)(nil)

// Load implements service.Loader.
func Load(path string, opts service.SessionOptions) (service.Session, error) {
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, errors.Errorf("cannot load model %s", path)
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(opts.Threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Warn().Str("backend", "tflite").Msg(msg)
	}, nil)

	s := &Session{model: model, options: options}
	s.interpreter = tflite.NewInterpreter(model, options)
	if s.interpreter == nil {
		s.Destroy()
		return nil, errors.New("cannot create interpreter")
	}
	if status := s.interpreter.AllocateTensors(); status != tflite.OK {
		s.Destroy()
		return nil, errors.Errorf("allocate tensors: status %v", status)
	}

	ins, outs := s.interpreter.GetInputTensorCount(), s.interpreter.GetOutputTensorCount()
	if ins != service.NumSlots || outs != 1 {
		s.Destroy()
		return nil, errors.Errorf("model has %d inputs and %d outputs, want %d and 1", ins, outs, service.NumSlots)
	}

	want, size := opts.SlotSizes()
	for slot := range s.inputs {
		t := s.interpreter.GetInputTensor(slot)
		if t == nil {
			s.Destroy()
			return nil, errors.Errorf("input slot %d missing", slot)
		}
		if err := checkTensor(t.Type(), t.ByteSize(), want[slot]); err != nil {
			s.Destroy()
			return nil, errors.Wrapf(err, "input %d (%s)", slot, t.Name())
		}
		s.inputs[slot] = t
	}
	s.output = s.interpreter.GetOutputTensor(0)
	if s.output == nil {
		s.Destroy()
		return nil, errors.New("output tensor missing")
	}
	if err := checkTensor(s.output.Type(), s.output.ByteSize(), size); err != nil {
		s.Destroy()
		return nil, errors.Wrapf(err, "output (%s)", s.output.Name())
	}
	s.outSize = size
	return s, nil
}

// checkTensor requires a float32 tensor holding exactly want elements.
// CopyFromBuffer copies ByteSize bytes regardless of the source length.
func checkTensor(typ tflite.TensorType, byteSize uint, want int) error {
	if typ != tflite.Float32 {
		return errors.Errorf("tensor type %v, want float32", typ)
	}
	if want <= 0 || byteSize != uint(want)*4 {
		return errors.Errorf("tensor holds %d bytes, want %d floats", byteSize, want)
	}
	return nil
}

func (s *Session) Run(in service.Inputs) ([]float32, error) {
	for slot, buf := range in.Slots() {
		t := s.inputs[slot]
		if uint(len(buf))*4 != t.ByteSize() {
			return nil, errors.Errorf("input slot %d holds %d bytes, got %d floats", slot, t.ByteSize(), len(buf))
		}
		if status := t.CopyFromBuffer(buf); status != tflite.OK {
			return nil, errors.Errorf("copy input slot %d: status %v", slot, status)
		}
	}
	if status := s.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Errorf("invoke: status %v", status)
	}
	out := s.output.Float32s()
	if len(out) != s.outSize {
		return nil, errors.Errorf("output holds %d floats, want %d", len(out), s.outSize)
	}
	return out, nil
}

func (s *Session) Destroy() error {
	s.inputs = [service.NumSlots]*tflite.Tensor{}
	s.output = nil
	if s.interpreter != nil {
		s.interpreter.Delete()
		s.interpreter = nil
	}
	if s.options != nil {
		s.options.Delete()
		s.options = nil
	}
	if s.model != nil {
		s.model.Delete()
		s.model = nil
	}
	return nil
}
