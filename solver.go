package main

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Trilateration: estimate a 3-D position from distances to known anchors by
// Gauss-Newton nonlinear least squares. The solver is local: it is seeded at
// the origin and a degenerate anchor geometry (collinear or coplanar
// anchors, fewer than three independent constraints) still yields a
// numerically defined, if poor, estimate through the pseudo-inverse.

const (
	solverDefaultMaxIterations = 45
	solverConvergenceThreshold = 1e-3 // sum of squared residuals
	solverDegenerateNorm       = 1e-6 // guard against division by a vanishing distance
	solverSingularValueCutoff  = 1e-9 // pseudo-inverse regularization
)

// PositionEstimate is one solved tag position.
type PositionEstimate struct {
	TagAddr uint16     `json:"tag_addr"`
	Point   [3]float64 `json:"point"`
}

// Localizer solves tag positions against a fixed anchor coordinate table.
type Localizer struct {
	anchors       []AnchorCoordinate
	maxIterations int
}

// NewLocalizer builds a solver over the given anchor table.
func NewLocalizer(anchors []AnchorCoordinate, maxIterations int) *Localizer {
	if maxIterations <= 0 {
		maxIterations = solverDefaultMaxIterations
	}
	return &Localizer{anchors: anchors, maxIterations: maxIterations}
}

// Localize pairs each valid range with its anchor coordinate and solves for
// the position. ok is false only when no slot holds a usable measurement;
// non-convergence still returns the best available guess. iterations reports
// how many Gauss-Newton steps the solve took.
func (l *Localizer) Localize(ranges [numRangeSlots]float64) (point [3]float64, iterations int, ok bool) {
	points := make([][3]float64, 0, numRangeSlots)
	distances := make([]float64, 0, numRangeSlots)

	for i, d := range ranges {
		if i >= len(l.anchors) || !validRange(d) {
			continue
		}
		a := l.anchors[i]
		points = append(points, [3]float64{a.X, a.Y, a.Z})
		distances = append(distances, d)
	}
	if len(points) == 0 {
		return [3]float64{}, 0, false
	}
	point, iterations = leastSquaresSolve(points, distances, l.maxIterations)
	return point, iterations, true
}

// leastSquaresSolve runs Gauss-Newton from the origin. Each iteration
// linearizes the range residuals and applies the pseudo-inverse correction
// delta = pinv(J) * r; iteration stops early once the squared residual norm
// drops below the convergence threshold, otherwise after maxIterations.
func leastSquaresSolve(points [][3]float64, distances []float64, maxIterations int) ([3]float64, int) {
	m := len(points)
	var guess [3]float64

	jacobian := mat.NewDense(m, 3, nil)
	residuals := mat.NewVecDense(m, nil)

	iterations := 0
	for iter := 0; iter < maxIterations; iter++ {
		iterations = iter + 1
		for i, p := range points {
			dx := p[0] - guess[0]
			dy := p[1] - guess[1]
			dz := p[2] - guess[2]
			dist := math.Sqrt(dx*dx + dy*dy + dz*dz)

			norm := dist
			if norm < solverDegenerateNorm {
				norm = solverDegenerateNorm
			}
			jacobian.Set(i, 0, dx/norm)
			jacobian.Set(i, 1, dy/norm)
			jacobian.Set(i, 2, dz/norm)
			residuals.SetVec(i, dist-distances[i])
		}

		delta := pseudoInverseApply(jacobian, residuals)
		guess[0] += delta[0]
		guess[1] += delta[1]
		guess[2] += delta[2]

		if mat.Dot(residuals, residuals) < solverConvergenceThreshold {
			break
		}
	}
	return guess, iterations
}

// pseudoInverseApply computes pinv(a) * b through a thin SVD, zeroing
// singular values below the cutoff so rank-deficient geometries stay finite.
func pseudoInverseApply(a *mat.Dense, b *mat.VecDense) [3]float64 {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		// Factorization failure leaves the guess where it was.
		return [3]float64{}
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	k := len(values) // min(rows, 3)

	// scaled = S^+ * U^T * b
	scaled := mat.NewVecDense(k, nil)
	scaled.MulVec(u.T(), b)
	for i := 0; i < k; i++ {
		if values[i] > solverSingularValueCutoff {
			scaled.SetVec(i, scaled.AtVec(i)/values[i])
		} else {
			scaled.SetVec(i, 0)
		}
	}

	var delta mat.VecDense
	delta.MulVec(&v, scaled)

	var out [3]float64
	for i := 0; i < delta.Len() && i < 3; i++ {
		out[i] = delta.AtVec(i)
	}
	return out
}
