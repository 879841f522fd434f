package blink

import (
	"bufio"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/alexhholmes/fsindex/internal/base"
)

// CheckInvariants walks the whole tree and reports every structural
// violation it finds. It blocks all other operations while it runs.
func (t *Tree[K, V]) CheckInvariants() error {
	t.restructure.Lock()
	defer t.restructure.Unlock()

	root, err := t.read(t.root)
	if err != nil {
		return err
	}

	var errs error
	violation := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{base.ErrInvariant}, args...)...))
	}

	if root.hasHigh || root.right != base.Unallocated {
		violation("root %s has a high key or right link", root.addr)
	}
	if !root.leaf && root.Len() < 2 {
		violation("internal root %s has %d children", root.addr, root.Len())
	}

	expected := []base.Address{t.root}
	for level := int(root.level); level >= 0; level-- {
		chain, err := t.levelChain(expected[0])
		if err != nil {
			return multierr.Append(errs, err)
		}
		if len(chain) != len(expected) {
			violation("level %d links %d nodes, parents name %d", level, len(chain), len(expected))
			return errs
		}

		var next []base.Address
		for i, n := range chain {
			if n.addr != expected[i] {
				violation("level %d position %d is %s, parent names %s", level, i, n.addr, expected[i])
			}
			if n.Level() != level || n.leaf != (level == 0) {
				violation("node %s at level %d claims level %d", n.addr, level, n.Level())
			}

			if n.addr != t.root {
				if lo, hi := t.minEntries(n), t.maxEntries(n); n.Len() < lo || n.Len() > hi {
					violation("node %s holds %d entries, want %d..%d", n.addr, n.Len(), lo, hi)
				}
			} else if n.Len() > t.maxEntries(n) {
				violation("root holds %d entries, max %d", n.Len(), t.maxEntries(n))
			}

			last := i == len(chain)-1
			if last && (n.hasHigh || n.right != base.Unallocated) {
				violation("rightmost node %s has a high key or right link", n.addr)
			}
			if !last && !n.hasHigh {
				violation("node %s has no high key", n.addr)
			}
			if i > 0 && n.hasHigh && t.cmp(chain[i-1].high, n.high) >= 0 {
				violation("high key of %s does not exceed its left neighbour's", n.addr)
			}

			if n.leaf {
				t.checkLeaf(n, chain, i, violation)
				continue
			}
			children, err := t.checkInternal(n, violation)
			if err != nil {
				return multierr.Append(errs, err)
			}
			next = append(next, children...)
		}
		expected = next
	}
	return errs
}

func (t *Tree[K, V]) maxEntries(n *Node[K, V]) int {
	if n.leaf {
		return t.leafMax
	}
	return t.internalMax
}

// levelChain returns the nodes reachable by right links from addr.
func (t *Tree[K, V]) levelChain(addr base.Address) ([]*Node[K, V], error) {
	var chain []*Node[K, V]
	for addr != base.Unallocated {
		n, err := t.read(addr)
		if err != nil {
			return nil, err
		}
		chain = append(chain, n)
		addr = n.right
	}
	return chain, nil
}

func (t *Tree[K, V]) checkLeaf(n *Node[K, V], chain []*Node[K, V], i int, violation func(string, ...any)) {
	if n.Len() == 0 {
		return
	}
	lo, _, _ := n.entries.Min()
	hi, _, _ := n.entries.Max()
	if n.hasHigh && t.cmp(hi, n.high) != 0 {
		violation("high key of leaf %s is not its largest key", n.addr)
	}
	if i > 0 && t.cmp(lo, chain[i-1].high) <= 0 {
		violation("leaf %s holds a key at or below its left neighbour's high key", n.addr)
	}
}

// checkInternal verifies the separators of n against its children and
// returns the children in order.
func (t *Tree[K, V]) checkInternal(n *Node[K, V], violation func(string, ...any)) ([]base.Address, error) {
	if last, _, _ := n.children.Max(); !last.Inf {
		violation("internal node %s does not end with the open separator", n.addr)
	}

	var (
		addrs []base.Address
		err   error
	)
	n.children.Ascend(func(sep Separator[K], addr base.Address) bool {
		var child *Node[K, V]
		if child, err = t.read(addr); err != nil {
			return false
		}
		addrs = append(addrs, addr)

		if child.Level() != n.Level()-1 {
			violation("child %s of %s is at level %d", addr, n.addr, child.Level())
		}
		switch {
		case !sep.Inf && (!child.hasHigh || t.cmp(child.high, sep.Key) != 0):
			violation("separator in %s differs from the high key of child %s", n.addr, addr)
		case sep.Inf && child.hasHigh != n.hasHigh:
			violation("last child %s of %s disagrees on having a high key", addr, n.addr)
		case sep.Inf && n.hasHigh && t.cmp(child.high, n.high) != 0:
			violation("last child %s of %s has a different high key", addr, n.addr)
		}
		return true
	})
	return addrs, err
}

// Len counts the keys by walking the leaf level.
func (t *Tree[K, V]) Len() (int, error) {
	t.restructure.RLock()
	defer t.restructure.RUnlock()

	leaf, err := t.leftmostLeaf()
	count := 0
	for err == nil {
		count += leaf.Len()
		if leaf.right == base.Unallocated {
			return count, nil
		}
		leaf, err = t.read(leaf.right)
	}
	return 0, err
}

// Dump writes the tree in Graphviz DOT format. Child edges are solid and
// right links dashed.
func (t *Tree[K, V]) Dump(w io.Writer) error {
	t.restructure.Lock()
	defer t.restructure.Unlock()

	root, err := t.read(t.root)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph blink {")
	fmt.Fprintln(bw, "\tnode [shape=record];")

	first := t.root
	for level := root.Level(); level >= 0; level-- {
		chain, err := t.levelChain(first)
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "\t{ rank=same;")
		for _, n := range chain {
			fmt.Fprintf(bw, " n%d;", n.addr)
		}
		fmt.Fprintln(bw, " }")

		for _, n := range chain {
			t.dumpNode(bw, n)
		}
		if level > 0 {
			_, first, _ = chain[0].children.Min()
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func (t *Tree[K, V]) dumpNode(w io.Writer, n *Node[K, V]) {
	high := "+inf"
	if n.hasHigh {
		high = fmt.Sprint(n.high)
	}

	label := n.addr.String()
	if n.leaf {
		n.entries.Ascend(func(k K, _ V) bool {
			label += fmt.Sprintf("|%v", k)
			return true
		})
	} else {
		n.children.Ascend(func(sep Separator[K], _ base.Address) bool {
			if sep.Inf {
				label += "|+inf"
			} else {
				label += fmt.Sprintf("|%v", sep.Key)
			}
			return true
		})
	}
	label += "|high " + high
	fmt.Fprintf(w, "\tn%d [label=%q];\n", n.addr, label)

	if !n.leaf {
		n.children.Ascend(func(_ Separator[K], child base.Address) bool {
			fmt.Fprintf(w, "\tn%d -> n%d;\n", n.addr, child)
			return true
		})
	}
	if n.right != base.Unallocated {
		fmt.Fprintf(w, "\tn%d -> n%d [style=dashed];\n", n.addr, n.right)
	}
}
