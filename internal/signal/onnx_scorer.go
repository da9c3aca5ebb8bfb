package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit struct {
	once sync.Once
	err  error
}

// InitONNX loads the onnxruntime shared library once per process.
func InitONNX(libPath string) error {
	ortInit.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInit.err = ort.InitializeEnvironment()
	})
	return ortInit.err
}

// ONNXScorer runs a local binary classifier over Features. The model takes
// a [1,9] float tensor named "input" and yields [1,2] class probabilities
// named "probabilities"; the second column is P(profit).
type ONNXScorer struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewONNXScorer(modelPath, libPath string) (*ONNXScorer, error) {
	if err := InitONNX(libPath); err != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", err)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 9))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"probabilities"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}
	return &ONNXScorer{session: session, input: input, output: output}, nil
}

func (o *ONNXScorer) Score(_ context.Context, s Signal) (Signal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	copy(o.input.GetData(), Features(s))
	if err := o.session.Run(); err != nil {
		return s, fmt.Errorf("inference: %w", err)
	}
	out := o.output.GetData()
	prob := float64(out[len(out)-1])
	if math.IsNaN(prob) || prob < 0 || prob > 1 {
		return s, fmt.Errorf("probability %v out of range", prob)
	}
	s.Score = round2(prob * 100)
	s.Confidence = math.Min(math.Round(s.Score+5), 100)
	return s, nil
}

func (o *ONNXScorer) Close() {
	if o.session != nil {
		o.session.Destroy()
	}
	if o.input != nil {
		o.input.Destroy()
	}
	if o.output != nil {
		o.output.Destroy()
	}
}
