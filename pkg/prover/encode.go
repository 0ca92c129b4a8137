package prover

import (
	"fmt"
	"math/big"
)

// ContractCalldata is the flat eight-element proof encoding the ledger
// contract expects: A.x, A.y, B[0].y, B[0].x, B[1].y, B[1].x, C.x, C.y.
// The proving library emits each G2 limb as (x, y); the contract consumes
// them coordinate-swapped, so the two coordinates of every pi_b limb are
// exchanged here.
func (p *Proof) ContractCalldata() ([8]*big.Int, error) {
	var out [8]*big.Int
	parse := func(s string) (*big.Int, error) {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid proof coordinate %q", s)
		}
		return n, nil
	}
	coords := []string{
		p.PiA[0], p.PiA[1],
		p.PiB[0][1], p.PiB[0][0],
		p.PiB[1][1], p.PiB[1][0],
		p.PiC[0], p.PiC[1],
	}
	for i, s := range coords {
		n, err := parse(s)
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

// PublicInputsBig parses public signals into big integers for the on-chain
// tuple.
func PublicInputsBig(signals []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(signals))
	for i, s := range signals {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid public signal %q", s)
		}
		out[i] = n
	}
	return out, nil
}
