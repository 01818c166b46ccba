package jit

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// ToTree renders the Function's control flow as a tree rooted at the entry
// block. Back edges and cross edges print as leaf references so cycles
// terminate.
func (fn *Function) ToTree() treeprint.Tree {
	tree := treeprint.New()
	if len(fn.Blocks) == 0 {
		tree.SetValue("function (empty)")
		return tree
	}
	tree.SetValue(fmt.Sprintf("function entry=b%d blocks=%d", fn.Entry, len(fn.Blocks)))

	visited := make(map[BlockID]bool)
	var add func(parent treeprint.Tree, id BlockID, edge string)
	add = func(parent treeprint.Tree, id BlockID, edge string) {
		b := &fn.Blocks[id]
		label := fmt.Sprintf("%sb%d @0x%x (%d instrs, %s)", edge, id, b.PC, len(b.Instrs), b.Term)
		if visited[id] {
			parent.AddNode(label + " [seen]")
			return
		}
		visited[id] = true
		branch := parent.AddBranch(label)
		switch b.Term.Kind {
		case TermJump:
			add(branch, b.Term.Then, "")
		case TermBranch:
			add(branch, b.Term.Then, "then: ")
			add(branch, b.Term.Else, "else: ")
		case TermReturn:
		}
	}
	add(tree, fn.Entry, "")
	return tree
}

// DumpTree is the printable form of ToTree.
func (fn *Function) DumpTree() string {
	return fn.ToTree().String()
}
