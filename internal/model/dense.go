package model

import (
	"math"
	"math/rand"
)

// sparse is a vector given by its non-zero entries.
type sparse struct {
	Index []int32
	Value []float64
}

// dense is a fully connected layer. W is row-major over inputs:
// W[i*Out+j] connects input i to output j.
type dense struct {
	In, Out int
	W       []float64
	B       []float64
}

func newDense(in, out int, rng *rand.Rand) dense {
	// Glorot uniform
	limit := math.Sqrt(6 / float64(in+out))
	l := dense{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
	for i := range l.W {
		l.W[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

func (l *dense) forward(x []float64) []float64 {
	h := append([]float64(nil), l.B...)
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := l.W[i*l.Out : (i+1)*l.Out]
		for j, w := range row {
			h[j] += xi * w
		}
	}
	return h
}

func (l *dense) forwardSparse(x sparse) []float64 {
	h := append([]float64(nil), l.B...)
	for k, i := range x.Index {
		if int(i) >= l.In {
			continue
		}
		xi := x.Value[k]
		row := l.W[int(i)*l.Out : (int(i)+1)*l.Out]
		for j, w := range row {
			h[j] += xi * w
		}
	}
	return h
}

// backward accumulates the gradient of the loss w.r.t. W and B into g and
// returns the gradient w.r.t. x.
func (l *dense) backward(x, dh []float64, g *dense) []float64 {
	dx := make([]float64, l.In)
	for j, d := range dh {
		g.B[j] += d
	}
	for i, xi := range x {
		row := l.W[i*l.Out : (i+1)*l.Out]
		grow := g.W[i*l.Out : (i+1)*l.Out]
		var s float64
		for j, d := range dh {
			grow[j] += xi * d
			s += row[j] * d
		}
		dx[i] = s
	}
	return dx
}

func (l *dense) backwardSparse(x sparse, dh []float64, g *dense) {
	for j, d := range dh {
		g.B[j] += d
	}
	for k, i := range x.Index {
		if int(i) >= l.In {
			continue
		}
		xi := x.Value[k]
		grow := g.W[int(i)*l.Out : (int(i)+1)*l.Out]
		for j, d := range dh {
			grow[j] += xi * d
		}
	}
}

func (l *dense) zeroLike() dense {
	return dense{In: l.In, Out: l.Out, W: make([]float64, len(l.W)), B: make([]float64, len(l.B))}
}

func (l *dense) reset() {
	clear(l.W)
	clear(l.B)
}

// adam holds first and second moment estimates for a set of layers.
type adam struct {
	LR, Beta1, Beta2, Eps float64
	t                     int
	m, v                  []dense
}

func newAdam(lr float64, layers []dense) *adam {
	a := &adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-7}
	for i := range layers {
		a.m = append(a.m, layers[i].zeroLike())
		a.v = append(a.v, layers[i].zeroLike())
	}
	return a
}

// step applies the averaged gradients grads to layers.
func (a *adam) step(layers, grads []dense, scale float64) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	update := func(p, g, m, v []float64) {
		for i := range p {
			gi := g[i] * scale
			if gi == 0 && m[i] == 0 {
				continue
			}
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*gi
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*gi*gi
			p[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Eps)
		}
	}
	for k := range layers {
		update(layers[k].W, grads[k].W, a.m[k].W, a.v[k].W)
		update(layers[k].B, grads[k].B, a.m[k].B, a.v[k].B)
	}
}

func relu(h []float64) []float64 {
	for i, v := range h {
		if v < 0 {
			h[i] = 0
		}
	}
	return h
}

func cosine64(a, b []float64) (cos, na, nb float64) {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	na, nb = math.Sqrt(na), math.Sqrt(nb)
	if na == 0 || nb == 0 {
		return 0, na, nb
	}
	return dot / (na * nb), na, nb
}
