package rigidbody

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/perfcap/rigsetup/internal/geom"
)

// Transform is a rigid (rotation + translation) transform.
type Transform struct {
	R *mat.Dense // 3x3 rotation
	T geom.Vec3  // translation
}

// Apply transforms p by the rigid transform.
func (tr Transform) Apply(p geom.Vec3) geom.Vec3 {
	v := mat.NewVecDense(3, []float64{p.X, p.Y, p.Z})
	var out mat.VecDense
	out.MulVec(tr.R, v)
	return geom.Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}.Add(tr.T)
}

// SolveTransform finds the weighted rigid transform mapping src points
// onto dst points (Kabsch). Point counts must match and be at least
// MinVisibleMembers. weights may be nil for a uniform solve.
func SolveTransform(src, dst []geom.Vec3, weights []float64) (Transform, error) {
	if len(src) != len(dst) {
		return Transform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < MinVisibleMembers {
		return Transform{}, fmt.Errorf("need at least %d point pairs, got %d", MinVisibleMembers, len(src))
	}
	if weights == nil {
		weights = make([]float64, len(src))
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != len(src) {
		return Transform{}, fmt.Errorf("weight count mismatch: %d weights for %d points", len(weights), len(src))
	}

	var wsum float64
	var srcC, dstC geom.Vec3
	for i := range src {
		wsum += weights[i]
		srcC = srcC.Add(src[i].Scale(weights[i]))
		dstC = dstC.Add(dst[i].Scale(weights[i]))
	}
	if wsum == 0 {
		return Transform{}, fmt.Errorf("all weights are zero")
	}
	srcC = srcC.Scale(1 / wsum)
	dstC = dstC.Scale(1 / wsum)

	// Weighted cross-covariance of the centered clouds.
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		p := src[i].Sub(srcC)
		q := dst[i].Sub(dstC)
		w := weights[i]
		pv := []float64{p.X, p.Y, p.Z}
		qv := []float64{q.X, q.Y, q.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+w*pv[r]*qv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Transform{}, fmt.Errorf("SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * D * U^T with D correcting a reflection into a rotation.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.Det(&vut)
	corr := mat.NewDiagDense(3, []float64{1, 1, 1})
	if d < 0 {
		corr = mat.NewDiagDense(3, []float64{1, 1, -1})
	}
	r := mat.NewDense(3, 3, nil)
	var tmp mat.Dense
	tmp.Mul(&v, corr)
	r.Mul(&tmp, u.T())

	// t = dstCentroid - R * srcCentroid
	var rc mat.VecDense
	rc.MulVec(r, mat.NewVecDense(3, []float64{srcC.X, srcC.Y, srcC.Z}))
	t := dstC.Sub(geom.Vec3{X: rc.AtVec(0), Y: rc.AtVec(1), Z: rc.AtVec(2)})

	return Transform{R: r, T: t}, nil
}
