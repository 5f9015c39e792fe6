package service

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession echoes the bound weight into every output channel and records
// how many invocations overlap.
type fakeSession struct {
	mu        sync.Mutex
	calls     []Inputs
	active    atomic.Int32
	maxActive atomic.Int32
	destroyed atomic.Bool
	delay     time.Duration
	gate      chan struct{}
	run       func(in Inputs) ([]float32, error)
}

func (f *fakeSession) Run(in Inputs) ([]float32, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()

	if f.run != nil {
		return f.run(in)
	}
	out := make([]float32, ImageSize*ImageSize*Channels)
	for i := range out {
		out[i] = in.Weight
	}
	return out, nil
}

func (f *fakeSession) Destroy() error {
	f.destroyed.Store(true)
	return nil
}

func (f *fakeSession) Calls() []Inputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Inputs(nil), f.calls...)
}

func modelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "style.onnx"), []byte("model"), 0o644))
	return dir
}

func newTestEngine(t *testing.T, s *fakeSession, catalog *Catalog) *Engine {
	t.Helper()
	e, err := New(Config{
		ModelDir:  modelDir(t),
		ModelName: "style",
		Ext:       "onnx",
		Catalog:   catalog,
		Loader: func(string, SessionOptions) (Session, error) {
			return s, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func photo() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img
}

func TestThreadCount(t *testing.T) {
	assert.Equal(t, 1, ThreadCount(0))
	assert.Equal(t, 1, ThreadCount(1))
	assert.Equal(t, 2, ThreadCount(2))
	assert.Equal(t, 2, ThreadCount(64))
}

func TestNewMissingModel(t *testing.T) {
	_, err := New(Config{
		ModelDir:  t.TempDir(),
		ModelName: "absent",
		Ext:       "tflite",
		Loader:    func(string, SessionOptions) (Session, error) { return &fakeSession{}, nil },
	})
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.False(t, IsInternal(err))
}

func TestNewLoaderFailure(t *testing.T) {
	cause := errors.New("allocate tensors failed")
	_, err := New(Config{
		ModelDir:  modelDir(t),
		ModelName: "style",
		Ext:       "onnx",
		Loader:    func(string, SessionOptions) (Session, error) { return nil, cause },
	})
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.ErrorIs(t, err, cause)
}

func TestNewWithoutLoader(t *testing.T) {
	_, err := New(Config{ModelDir: modelDir(t), ModelName: "style", Ext: "onnx"})
	assert.True(t, IsInternal(err))
}

func TestNewPassesSessionOptions(t *testing.T) {
	var (
		gotPath string
		gotOpts SessionOptions
	)
	dir := modelDir(t)
	e, err := New(Config{
		ModelDir:  dir,
		ModelName: "style",
		Ext:       "onnx",
		Threads:   3,
		Loader: func(path string, opts SessionOptions) (Session, error) {
			gotPath, gotOpts = path, opts
			return &fakeSession{}, nil
		},
	})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, filepath.Join(dir, "style.onnx"), gotPath)
	assert.Equal(t, SessionOptions{Threads: 3, Styles: 10, ImageSize: ImageSize}, gotOpts)
	assert.Equal(t, 3, e.Threads())
	assert.Equal(t, gotPath, e.Path())
	assert.Same(t, DefaultCatalog, e.Catalog())
}

func TestCreateDeliversOnCallerLoop(t *testing.T) {
	loop := NewLoop()
	var onLoop atomic.Bool
	exec := ExecutorFunc(func(fn func()) {
		loop.Execute(func() {
			onLoop.Store(true)
			defer onLoop.Store(false)
			fn()
		})
	})

	var got Result[*Engine]
	ranOnLoop := false
	Create(Config{
		ModelDir:  modelDir(t),
		ModelName: "style",
		Ext:       "onnx",
		Loader: func(string, SessionOptions) (Session, error) {
			return &fakeSession{}, nil
		},
	}, exec, func(r Result[*Engine]) {
		got = r
		ranOnLoop = onLoop.Load()
		loop.Stop()
	})
	loop.Run()

	require.NoError(t, got.Err)
	require.NotNil(t, got.Value)
	assert.True(t, ranOnLoop)
	require.NoError(t, got.Value.Close())
}

func TestTransferSingleStyleForcesFullWeight(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, MustCatalog([]string{"A", "B"}, 0))

	img, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "A", Blend: 0.7})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, ImageSize, ImageSize), img.Bounds())
	assert.Equal(t, []uint8{255, 255, 255, 0}, img.Pix[:4])

	calls := s.Calls()
	require.Len(t, calls, 1)
	in := calls[0]
	assert.Equal(t, float32(1), in.Weight)
	assert.Equal(t, Selector{1, 0}, in.Primary)
	assert.Equal(t, Selector{0, 0}, in.Secondary)
	assert.True(t, in.Image.Valid())
}

func TestTransferDualStyleBindsSlots(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, MustCatalog([]string{"A", "B"}, 0))

	_, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "A", Secondary: "B", Blend: 0.3})
	require.NoError(t, err)

	in := s.Calls()[0]
	slots := in.Slots()
	assert.Len(t, slots[SlotImage], ImageSize*ImageSize*Channels)
	assert.Equal(t, []float32{0.7}, slots[SlotWeight])
	assert.Equal(t, []float32{0, 1}, slots[SlotSecondary])
	assert.Equal(t, []float32{1, 0}, slots[SlotPrimary])
}

func TestTransferTypedErrors(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, nil)
	ctx := context.Background()

	_, err := e.Transfer(ctx, Request{Image: photo(), Primary: "missing.png"})
	assert.ErrorIs(t, err, ErrUnknownStyle)

	_, err = e.Transfer(ctx, Request{Image: nil, Primary: "1.png"})
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = e.Transfer(ctx, Request{Image: photo(), Primary: "1.png", Secondary: "2.png", Blend: 2})
	assert.ErrorIs(t, err, ErrInvalidBlend)

	assert.Empty(t, s.Calls())
}

func TestTransferSessionFailureIsInternal(t *testing.T) {
	cause := errors.New("invoke failed")
	s := &fakeSession{run: func(Inputs) ([]float32, error) { return nil, cause }}
	e := newTestEngine(t, s, nil)

	_, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.ErrorIs(t, err, cause)
}

func TestTransferBadOutputIsVisualizationError(t *testing.T) {
	s := &fakeSession{run: func(Inputs) ([]float32, error) { return make([]float32, 12), nil }}
	e := newTestEngine(t, s, nil)

	_, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	assert.ErrorIs(t, err, ErrResultVisualization)
}

func TestTransferRecoversPanics(t *testing.T) {
	s := &fakeSession{run: func(Inputs) ([]float32, error) { panic("native crash") }}
	e := newTestEngine(t, s, nil)

	_, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	assert.True(t, IsInternal(err))

	// The engine keeps serving after a failed request.
	s.run = nil
	_, err = e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	assert.NoError(t, err)
}

func TestConcurrentSubmissionsAreSerializedWithoutCrossTalk(t *testing.T) {
	const k = 24
	s := &fakeSession{delay: time.Millisecond}
	e := newTestEngine(t, s, nil)

	type result struct {
		i   int
		out Outcome
	}
	results := make(chan result, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := Request{Image: photo(), Primary: "1.png", Secondary: "2.png", Blend: float32(i) / 40}
			e.Submit(req, Go, func(o Outcome) { results <- result{i: i, out: o} })
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for n := 0; n < k; n++ {
		r := <-results
		require.NoError(t, r.out.Err)
		require.False(t, seen[r.i])
		seen[r.i] = true

		weight := 1 - float32(r.i)/40
		want := uint8(weight * 255)
		img := r.out.Value.(*RGBX)
		assert.Equal(t, want, img.Pix[0], "request %d", r.i)
	}
	assert.Len(t, seen, k)
	assert.Len(t, s.Calls(), k)
	assert.Equal(t, int32(1), s.maxActive.Load())
}

func TestInvalidImageDoesNotAffectSiblings(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, nil)

	reqs := []Request{
		{Image: photo(), Primary: "1.png"},
		{Image: nil, Primary: "1.png"},
		{Image: photo(), Primary: "2.png"},
		{Image: image.NewRGBA(image.Rect(0, 0, 0, 0)), Primary: "3.png"},
		{Image: photo(), Primary: "4.png"},
	}
	done := make(chan []Outcome, 1)
	e.SubmitAll(reqs, Inline, nil, func(o []Outcome) { done <- o })
	outs := <-done

	require.Len(t, outs, len(reqs))
	assert.NoError(t, outs[0].Err)
	assert.ErrorIs(t, outs[1].Err, ErrInvalidImage)
	assert.NoError(t, outs[2].Err)
	assert.ErrorIs(t, outs[3].Err, ErrInvalidImage)
	assert.NoError(t, outs[4].Err)
	assert.Len(t, s.Calls(), 3)
}

func TestSubmitAllJoinsOnCallerLoop(t *testing.T) {
	s := &fakeSession{delay: 200 * time.Microsecond}
	e := newTestEngine(t, s, nil)

	loop := NewLoop()
	var onLoop atomic.Bool
	exec := ExecutorFunc(func(fn func()) {
		loop.Execute(func() {
			onLoop.Store(true)
			defer onLoop.Store(false)
			fn()
		})
	})

	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i] = Request{Image: photo(), Primary: "1.png"}
	}
	reqs[4].Primary = "unknown"

	completed := 0
	doneCalls := 0
	allOnLoop := true
	var final []Outcome
	e.SubmitAll(reqs, exec, func(i int, o Outcome) {
		completed++
		allOnLoop = allOnLoop && onLoop.Load()
	}, func(outs []Outcome) {
		doneCalls++
		allOnLoop = allOnLoop && onLoop.Load()
		assert.Equal(t, len(reqs), completed)
		final = outs
		loop.Execute(loop.Stop)
	})
	loop.Run()

	assert.Equal(t, 1, doneCalls)
	assert.True(t, allOnLoop)
	require.Len(t, final, 10)
	assert.ErrorIs(t, final[4].Err, ErrUnknownStyle)
	for i, o := range final {
		if i != 4 {
			assert.NoError(t, o.Err)
		}
	}
}

func TestSubmitAllEmpty(t *testing.T) {
	e := newTestEngine(t, &fakeSession{}, nil)
	called := false
	e.SubmitAll(nil, Inline, nil, func(o []Outcome) {
		called = true
		assert.Empty(t, o)
	})
	assert.True(t, called)
}

func TestTransferWaitIsBoundedByContext(t *testing.T) {
	s := &fakeSession{gate: make(chan struct{})}
	e := newTestEngine(t, s, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Transfer(ctx, Request{Image: photo(), Primary: "1.png"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The request still runs to completion once the session is released.
	close(s.gate)
	require.NoError(t, e.Close())
	assert.Len(t, s.Calls(), 1)
}

func TestCloseDestroysSessionAndRejects(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, nil)

	require.NoError(t, e.Close())
	assert.True(t, s.destroyed.Load())
	require.NoError(t, e.Close())

	_, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransferOutputIsOpaque(t *testing.T) {
	e := newTestEngine(t, &fakeSession{}, nil)
	img, err := e.Transfer(context.Background(), Request{Image: photo(), Primary: "1.png"})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.At(10, 10))
}

func TestCloseFromInlineDoneCallback(t *testing.T) {
	s := &fakeSession{}
	e := newTestEngine(t, s, nil)

	reqs := []Request{
		{Image: photo(), Primary: "1.png"},
		{Image: photo(), Primary: "2.png"},
	}
	closed := make(chan error, 1)
	e.SubmitAll(reqs, Inline, nil, func([]Outcome) { closed <- e.Close() })

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a done callback did not return")
	}
	assert.True(t, s.destroyed.Load())
	assert.Len(t, s.Calls(), 2)
}

func TestSlowCallbackDoesNotStallInference(t *testing.T) {
	secondRan := make(chan struct{})
	var n atomic.Int32
	s := &fakeSession{}
	s.run = func(in Inputs) ([]float32, error) {
		if n.Add(1) == 2 {
			close(secondRan)
		}
		return make([]float32, ImageSize*ImageSize*Channels), nil
	}
	e := newTestEngine(t, s, nil)

	outs := make(chan int, 2)
	e.Submit(Request{Image: photo(), Primary: "1.png"}, Inline, func(Outcome) {
		select {
		case <-secondRan:
		case <-time.After(2 * time.Second):
			t.Error("second request waited for the first callback")
		}
		outs <- 1
	})
	e.Submit(Request{Image: photo(), Primary: "2.png"}, Inline, func(Outcome) { outs <- 2 })

	assert.Equal(t, 1, <-outs)
	assert.Equal(t, 2, <-outs)
}
