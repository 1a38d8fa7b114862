package parity

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/strata/blocks"
)

// maxUnknowns bounds the number of simultaneously lost blocks the solver
// tracks; equation masks are single machine words.
const maxUnknowns = 64

// equation is one row of the linear system over GF(2). Every leader
// contributes the row XOR(children) ^ leader = 0, folded so the right-hand
// side holds the XOR of all readable participants and the mask marks the
// unreadable ones.
type equation struct {
	mask uint64
	rhs  []byte
}

// reconstruct recovers the content of a block whose chunks fail verification
// by solving the leader equations with Gauss elimination. All solvable lost
// blocks discovered along the way are rewritten; if the system is
// under-determined for the requested block, ErrUnrecoverableDataLoss is
// returned.
func (d *Driver) reconstruct(bad int64) error {
	target := blocks.Pointer(bad)

	unknownIdx := map[blocks.Pointer]int{}
	var unknowns []blocks.Pointer
	addUnknown := func(p blocks.Pointer) error {
		if _, ok := unknownIdx[p]; ok {
			return nil
		}
		if len(unknowns) == maxUnknowns {
			return errors.Wrapf(ErrUnrecoverableDataLoss, "more than %d lost blocks in one neighborhood", maxUnknowns)
		}
		unknownIdx[p] = len(unknowns)
		unknowns = append(unknowns, p)
		return nil
	}
	if err := addUnknown(target); err != nil {
		return err
	}

	// Walk the group graph outward from the bad block, building one equation
	// per reachable leader. New unreadable participants become unknowns and
	// pull their own groups in.
	readable := map[blocks.Pointer]bool{}
	processed := map[blocks.Pointer]bool{}
	var eqs []equation
	buf := make([]byte, d.cfg.DataBlockSize)
	for i := 0; i < len(unknowns); i++ {
		u := unknowns[i]
		leaders := append([]blocks.Pointer{}, d.leadersOf[int64(u)]...)
		if _, isLeader := d.childrenOf[u]; isLeader {
			leaders = append(leaders, u)
		}
		for _, leader := range leaders {
			if processed[leader] {
				continue
			}
			processed[leader] = true

			eq := equation{rhs: make([]byte, d.cfg.DataBlockSize)}
			participants := append([]blocks.Pointer{leader}, d.childrenOf[leader]...)
			for _, q := range participants {
				ok, err := d.tryRead(q, buf, readable)
				if err != nil {
					return err
				}
				if ok {
					for j := range eq.rhs {
						eq.rhs[j] ^= buf[j]
					}
					continue
				}
				if err := addUnknown(q); err != nil {
					return err
				}
				eq.mask |= 1 << unknownIdx[q]
			}
			eqs = append(eqs, eq)
		}
	}

	// Gauss-Jordan elimination over the masks.
	used := make([]bool, len(eqs))
	pivot := make([]int, len(unknowns))
	for col := range pivot {
		pivot[col] = -1
	}
	for col := 0; col < len(unknowns); col++ {
		row := -1
		for i := range eqs {
			if !used[i] && eqs[i].mask&(1<<col) != 0 {
				row = i
				break
			}
		}
		if row < 0 {
			continue
		}
		used[row] = true
		pivot[col] = row
		for i := range eqs {
			if i == row || eqs[i].mask&(1<<col) == 0 {
				continue
			}
			eqs[i].mask ^= eqs[row].mask
			for j := range eqs[i].rhs {
				eqs[i].rhs[j] ^= eqs[row].rhs[j]
			}
		}
	}

	// A column is solved if its pivot row ended up with no other unknowns.
	solvedTarget := false
	for col, row := range pivot {
		if row < 0 || eqs[row].mask != 1<<col {
			continue
		}
		block := unknowns[col]
		if err := d.dev.WriteAt(eqs[row].rhs, d.dataOffset(int64(block))); err != nil {
			return err
		}
		d.logger.Info("reconstructed block", zap.Uint64("block", uint64(block)))
		if block == target {
			solvedTarget = true
		}
	}
	if !solvedTarget {
		return errors.Wrapf(ErrUnrecoverableDataLoss,
			"block %d: %d equations over %d lost blocks", bad, len(eqs), len(unknowns))
	}
	return d.dev.Sync()
}

// tryRead reads the full content of a block, reporting whether it is
// readable. Verification failures mean unreadable; any other error aborts.
func (d *Driver) tryRead(block blocks.Pointer, buf []byte, cache map[blocks.Pointer]bool) (bool, error) {
	if ok, seen := cache[block]; seen && !ok {
		return false, nil
	}
	err := d.dev.ReadAt(buf, d.dataOffset(int64(block)))
	switch {
	case err == nil:
		cache[block] = true
		return true, nil
	case errors.Is(err, blocks.ErrChecksumMismatch):
		cache[block] = false
		return false, nil
	default:
		return false, err
	}
}
