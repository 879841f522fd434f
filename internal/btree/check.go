package btree

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"

	"github.com/alexhholmes/fsindex/internal/base"
)

type bound[K any] struct {
	key K
	set bool
}

// CheckInvariants walks the whole tree and reports every structural
// violation: key order and bounds, occupancy, child counts and leaf depth.
func (t *Tree[K, V]) CheckInvariants() error {
	var (
		errs      error
		leafDepth = -1
	)
	violation := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{base.ErrInvariant}, args...)...))
	}

	var walk func(addr base.Address, depth int, lo, hi bound[K]) error
	walk = func(addr base.Address, depth int, lo, hi bound[K]) error {
		n, err := t.io.ReadNode(addr)
		if err != nil {
			return err
		}

		if n.Len() > t.maxKeys() {
			violation("node %s holds %d keys, max %d", addr, n.Len(), t.maxKeys())
		}
		if addr != t.root && n.Len() < t.t-1 {
			violation("node %s holds %d keys, min %d", addr, n.Len(), t.t-1)
		}
		if addr == t.root && !n.IsLeaf() && n.Len() == 0 {
			violation("internal root without keys")
		}

		for i, k := range n.keys {
			if i > 0 && t.cmp(n.keys[i-1], k) >= 0 {
				violation("keys of %s out of order at %d", addr, i)
			}
			if (lo.set && t.cmp(k, lo.key) <= 0) || (hi.set && t.cmp(k, hi.key) >= 0) {
				violation("key %d of %s outside its parent's bounds", i, addr)
			}
		}

		if n.IsLeaf() {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				violation("leaf %s at depth %d, others at %d", addr, depth, leafDepth)
			}
			return nil
		}

		if len(n.children) != n.Len()+1 {
			violation("node %s has %d keys and %d children", addr, n.Len(), len(n.children))
			return nil
		}
		for i, child := range n.children {
			clo, chi := lo, hi
			if i > 0 {
				clo = bound[K]{key: n.keys[i-1], set: true}
			}
			if i < n.Len() {
				chi = bound[K]{key: n.keys[i], set: true}
			}
			if err := walk(child, depth+1, clo, chi); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(t.root, 0, bound[K]{}, bound[K]{}); err != nil {
		return multierr.Append(errs, err)
	}
	return errs
}

// Len counts the keys.
func (t *Tree[K, V]) Len() (int, error) {
	var count func(addr base.Address) (int, error)
	count = func(addr base.Address) (int, error) {
		n, err := t.io.ReadNode(addr)
		if err != nil {
			return 0, err
		}
		total := n.Len()
		for _, child := range n.children {
			c, err := count(child)
			if err != nil {
				return 0, err
			}
			total += c
		}
		return total, nil
	}
	return count(t.root)
}

// Dump writes the tree in Graphviz DOT format.
func (t *Tree[K, V]) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph btree {")
	fmt.Fprintln(bw, "\tnode [shape=record];")

	var dump func(addr base.Address) error
	dump = func(addr base.Address) error {
		n, err := t.io.ReadNode(addr)
		if err != nil {
			return err
		}

		// Record fields: child ports f0..fn interleaved with the keys.
		var label strings.Builder
		for i, k := range n.keys {
			fmt.Fprintf(&label, "<f%d>|%v|", i, k)
		}
		fmt.Fprintf(&label, "<f%d>", n.Len())
		fmt.Fprintf(bw, "\tn%d [label=%q];\n", addr, label.String())

		for i, child := range n.children {
			fmt.Fprintf(bw, "\tn%d:f%d -> n%d;\n", addr, i, child)
			if err := dump(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := dump(t.root); err != nil {
		return err
	}

	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
