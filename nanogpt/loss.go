package nanogpt

import "math"

// crossEntropy returns the mean negative log-likelihood of targets under
// softmax(logits) over all rows. When wantGrad is set it also returns
// dLoss/dLogits.
func crossEntropy(logits *mat, targets []int, wantGrad bool) (float64, *mat) {
	var dlogits *mat
	if wantGrad {
		dlogits = newMat(logits.rows, logits.cols)
	}
	n := float64(logits.rows)
	var total float64
	for i := 0; i < logits.rows; i++ {
		row := logits.row(i)
		maxv := math.Inf(-1)
		for _, v := range row {
			if float64(v) > maxv {
				maxv = float64(v)
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxv)
		}
		lse := maxv + math.Log(sum)
		total += lse - float64(row[targets[i]])

		if wantGrad {
			g := dlogits.row(i)
			for j, v := range row {
				g[j] = float32(math.Exp(float64(v)-lse) / n)
			}
			g[targets[i]] -= float32(1 / n)
		}
	}
	return total / n, dlogits
}
