package tanimoto

import (
	"regexp"
	"strconv"
	"strings"
)

var elementPattern = regexp.MustCompile(`([A-Z][a-z]?)(\d*)`)

// molGraph is the heavy-atom graph described by an InChI's formula and
// connection layers.
type molGraph struct {
	elements []string
	adj      [][]int
}

// parseInChI builds the heavy-atom graph of an InChI string. Unknown or
// truncated layers yield a graph with fewer atoms or bonds, never an error.
func parseInChI(inchi string) molGraph {
	layers := strings.Split(strings.TrimPrefix(inchi, "InChI="), "/")
	if len(layers) < 2 {
		return molGraph{}
	}
	var formula, connections string
	formula = layers[1]
	for _, l := range layers[2:] {
		if strings.HasPrefix(l, "c") {
			connections = l[1:]
			break
		}
	}

	var g molGraph
	var offsets []int
	for _, comp := range strings.Split(formula, ".") {
		n, comp := leadingMultiplier(comp)
		atoms := heavyAtoms(comp)
		for i := 0; i < n; i++ {
			offsets = append(offsets, len(g.elements))
			g.elements = append(g.elements, atoms...)
		}
	}
	g.adj = make([][]int, len(g.elements))

	compIdx := 0
	for _, conn := range strings.Split(connections, ";") {
		n, conn := multiplierStar(conn)
		for i := 0; i < n && compIdx < len(offsets); i++ {
			g.addConnections(conn, offsets[compIdx])
			compIdx++
		}
	}
	return g
}

// heavyAtoms expands a Hill formula into InChI atom order: carbon first,
// then the remaining non-hydrogen elements as written.
func heavyAtoms(formula string) []string {
	var carbons, others []string
	for _, m := range elementPattern.FindAllStringSubmatch(formula, -1) {
		el := m[1]
		if el == "H" || el == "D" || el == "T" {
			continue
		}
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		for i := 0; i < count; i++ {
			if el == "C" {
				carbons = append(carbons, el)
			} else {
				others = append(others, el)
			}
		}
	}
	return append(carbons, others...)
}

func leadingMultiplier(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 1, s
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}

func multiplierStar(s string) (int, string) {
	if idx := strings.Index(s, "*"); idx > 0 {
		if n, err := strconv.Atoi(s[:idx]); err == nil {
			return n, s[idx+1:]
		}
	}
	return 1, s
}

// addConnections parses one component of the connection layer, e.g.
// "1-2-4(3)5-6", with atom numbers relative to offset.
func (g *molGraph) addConnections(conn string, offset int) {
	prev := -1
	var stack []int
	for i := 0; i < len(conn); {
		ch := conn[i]
		switch {
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(conn) && conn[j] >= '0' && conn[j] <= '9' {
				j++
			}
			n, _ := strconv.Atoi(conn[i:j])
			atom := offset + n - 1
			if prev >= 0 {
				g.bond(prev, atom)
			}
			prev = atom
			i = j
			continue
		case ch == '(':
			stack = append(stack, prev)
		case ch == ',':
			if len(stack) > 0 {
				prev = stack[len(stack)-1]
			}
		case ch == ')':
			if len(stack) > 0 {
				prev = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		}
		i++
	}
}

func (g *molGraph) bond(a, b int) {
	if a == b || a < 0 || b < 0 || a >= len(g.elements) || b >= len(g.elements) {
		return
	}
	for _, n := range g.adj[a] {
		if n == b {
			return
		}
	}
	g.adj[a] = append(g.adj[a], b)
	g.adj[b] = append(g.adj[b], a)
}
