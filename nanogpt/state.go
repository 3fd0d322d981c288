package nanogpt

import "fmt"

// Tensor is a named, shaped copy of one parameter.
type Tensor struct {
	Shape []int
	Data  []float32
}

// State copies every parameter out of the model, keyed by parameter name.
func (m *Model) State() map[string]Tensor {
	out := make(map[string]Tensor, len(m.params))
	for _, p := range m.params {
		out[p.Name] = Tensor{
			Shape: []int(p.Shape()),
			Data:  append([]float32(nil), p.v...),
		}
	}
	return out
}

// LoadState copies state into the model. Every parameter must be present with
// a matching shape; nothing is written unless the whole state checks out.
func (m *Model) LoadState(state map[string]Tensor) error {
	for _, p := range m.params {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: state is missing %q", ErrInvalidInput, p.Name)
		}
		if !sameShape(t.Shape, p.Shape()) || len(t.Data) != len(p.v) {
			return fmt.Errorf("%w: %q has shape %v, model expects %v",
				ErrInvalidInput, p.Name, t.Shape, []int(p.Shape()))
		}
	}
	if len(state) != len(m.params) {
		return fmt.Errorf("%w: state has %d tensors, model has %d", ErrInvalidInput, len(state), len(m.params))
	}
	for _, p := range m.params {
		copy(p.v, state[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
