package nn

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// logFloor bounds log(p) from below so a saturated prediction yields a
// large finite loss instead of +Inf.
const logFloor = -100

const gradEps = 1e-12

// BCELoss is the mean binary cross-entropy between probabilities and
// targets.
type BCELoss struct{}

// Loss returns the mean loss over all elements of pred and its gradient with
// respect to pred. target must have one entry per element.
func (BCELoss) Loss(pred *tensor.Dense, target []float64) (float64, *tensor.Dense) {
	p := Values(pred)
	if len(p) != len(target) {
		panic(fmt.Sprintf("nn: bce got %d predictions and %d targets", len(p), len(target)))
	}
	n := float64(len(p))
	grad := make([]float64, len(p))
	var loss float64
	for i, pi := range p {
		y := target[i]
		loss -= y*math.Max(math.Log(pi), logFloor) + (1-y)*math.Max(math.Log(1-pi), logFloor)
		grad[i] = (pi - y) / math.Max(pi*(1-pi), gradEps) / n
	}
	return loss / n, New(grad, append([]int(nil), pred.Shape()...)...)
}
