package jit

import (
	"fmt"

	"github.com/colorfulnotion/x86core/log"
)

// DefaultMaxBlocks bounds one discovery pass when the caller does not.
const DefaultMaxBlocks = 1024

// DiscoverConfig carries the caller-supplied resource bound. Discovery has
// no timeout: work is bounded by block counts, not external events.
type DiscoverConfig struct {
	MaxBlocks int
}

// Discover runs a breadth-first worklist over undiscovered guest PCs from
// entry, invoking decode+lowering per PC and following resolved successors
// until the reachable set is exhausted or MaxBlocks is hit. Block ids are
// assigned sequentially at first discovery, before successors are
// computed, so self-loops and forward references resolve correctly. The
// resulting Function is always internally well-formed, even when
// truncated: edges to never-discovered PCs degrade to Return.
func Discover(entry uint64, decode DecodeFunc, cfg DiscoverConfig) (*Function, error) {
	maxBlocks := cfg.MaxBlocks
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}

	ids := make(map[uint64]BlockID)
	var drafts []*LowerResult
	queue := []uint64{entry}

	for len(queue) > 0 && len(drafts) < maxBlocks {
		pc := queue[0]
		queue = queue[1:]
		if _, seen := ids[pc]; seen {
			continue
		}
		id := BlockID(len(drafts))
		ids[pc] = id

		t1, err := decode(pc)
		if err != nil {
			return nil, fmt.Errorf("decode at 0x%x: %w", pc, err)
		}
		res := Lower(t1)
		drafts = append(drafts, res)
		log.Debug(log.CfgMonitoring, "discovered block", "pc", pc, "id", id, "bailed", res.Bailed)

		switch res.Term.Kind {
		case TermJump:
			queue = append(queue, res.Term.ThenPC)
		case TermBranch:
			queue = append(queue, res.Term.ThenPC, res.Term.ElsePC)
		case TermReturn:
		}
	}

	// Resolution pass: map every draft terminator's target PC to its block
	// id. A target that was never discovered (possible only when the cap
	// was hit) degrades that edge to Return, via an inline side exit for
	// jumps and a side-exit stub block for branch edges, so the
	// terminator stays structurally valid.
	fn := &Function{Blocks: make([]Block, len(drafts)), Entry: 0}
	stubs := make(map[uint64]BlockID)
	stubFor := func(pc uint64) BlockID {
		if id, ok := stubs[pc]; ok {
			return id
		}
		id := BlockID(len(fn.Blocks))
		fn.Blocks = append(fn.Blocks, Block{
			PC:     pc,
			Instrs: []Instr{{Kind: InstrSideExit, PC: pc}},
			Term:   Terminator{Kind: TermReturn},
		})
		stubs[pc] = id
		return id
	}

	for i, d := range drafts {
		blk := d.Block
		switch d.Term.Kind {
		case TermReturn:
			blk.Term = Terminator{Kind: TermReturn}
		case TermJump:
			if id, ok := ids[d.Term.ThenPC]; ok {
				blk.Term = Terminator{Kind: TermJump, Then: id}
			} else {
				blk.Instrs = append(blk.Instrs, Instr{Kind: InstrSideExit, PC: d.Term.ThenPC})
				blk.Term = Terminator{Kind: TermReturn}
			}
		case TermBranch:
			thenID, okThen := ids[d.Term.ThenPC]
			elseID, okElse := ids[d.Term.ElsePC]
			if !okThen {
				thenID = stubFor(d.Term.ThenPC)
			}
			if !okElse {
				elseID = stubFor(d.Term.ElsePC)
			}
			blk.Term = Terminator{Kind: TermBranch, Cond: d.Term.Cond, Then: thenID, Else: elseID}
		}
		fn.Blocks[i] = blk
	}

	if err := fn.Validate(); err != nil {
		return nil, fmt.Errorf("discovery produced malformed function: %w", err)
	}
	log.Debug(log.CfgMonitoring, "discovery complete", "entry", entry, "blocks", len(fn.Blocks))
	return fn, nil
}
