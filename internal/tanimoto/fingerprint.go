package tanimoto

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"strings"
)

// Fingerprint is a packed bit vector.
type Fingerprint struct {
	NBits int
	words []uint64
}

// NewFingerprint returns an all-zero fingerprint of n bits.
func NewFingerprint(n int) *Fingerprint {
	return &Fingerprint{NBits: n, words: make([]uint64, (n+63)/64)}
}

// SetBit sets bit i.
func (f *Fingerprint) SetBit(i int) { f.words[i/64] |= 1 << (uint(i) % 64) }

// GetBit reports bit i.
func (f *Fingerprint) GetBit(i int) bool { return f.words[i/64]&(1<<(uint(i)%64)) != 0 }

// Count returns the number of set bits.
func (f *Fingerprint) Count() int {
	n := 0
	for _, w := range f.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Similarity is |a ∩ b| / |a ∪ b|. Two empty fingerprints score 0.
func Similarity(a, b *Fingerprint) float64 {
	var inter, union int
	for i := range a.words {
		inter += bits.OnesCount64(a.words[i] & b.words[i])
		union += bits.OnesCount64(a.words[i] | b.words[i])
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Fingerprinter derives a fingerprint from an InChI.
type Fingerprinter interface {
	Fingerprint(inchi string) *Fingerprint
}

// PathFingerprinter hashes every linear path of up to MaxPath bonds in the
// heavy-atom graph into NBits bits, Daylight style.
type PathFingerprinter struct {
	NBits   int
	MaxPath int
}

// NewPathFingerprinter uses paths of up to seven bonds.
func NewPathFingerprinter(nBits int) *PathFingerprinter {
	return &PathFingerprinter{NBits: nBits, MaxPath: 7}
}

func (p *PathFingerprinter) Fingerprint(inchi string) *Fingerprint {
	fp := NewFingerprint(p.NBits)
	g := parseInChI(inchi)

	visited := make([]bool, len(g.elements))
	path := make([]int, 0, p.MaxPath+1)
	var walk func(atom int)
	walk = func(atom int) {
		visited[atom] = true
		path = append(path, atom)
		fp.SetBit(int(hashPath(g.pathKey(path)) % uint64(p.NBits)))
		if len(path) <= p.MaxPath {
			for _, next := range g.adj[atom] {
				if !visited[next] {
					walk(next)
				}
			}
		}
		path = path[:len(path)-1]
		visited[atom] = false
	}
	for atom := range g.elements {
		walk(atom)
	}
	return fp
}

// pathKey is direction independent.
func (g *molGraph) pathKey(path []int) string {
	fwd := make([]string, len(path))
	rev := make([]string, len(path))
	for i, a := range path {
		fwd[i] = g.elements[a]
		rev[len(path)-1-i] = g.elements[a]
	}
	f, r := strings.Join(fwd, "-"), strings.Join(rev, "-")
	if r < f {
		return r
	}
	return f
}

func hashPath(path string) uint64 {
	sum := sha256.Sum256([]byte(path))
	return binary.BigEndian.Uint64(sum[:8])
}
