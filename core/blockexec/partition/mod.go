// Package partition assigns the transactions of a block to shards and
// rounds ahead of a distributed execution.
//
// The partitioner works on analyzed location hints: the keys every
// transaction is predicted to read and write. Transactions whose write
// hints collide with a key anchored in another shard are pushed to the
// next round, together with every later transaction hinting at a key they
// write, so that within one round every key is written by a single shard
// and dependency edges only point to the same or an earlier round. The
// global serial order is preserved through those explicit edges between
// coordinates.
package partition

import (
	"github.com/chainware/parex/core/txn"
	"golang.org/x/xerrors"
)

// Hints is the analyzed location set of one transaction.
type Hints struct {
	Reads  []string
	Writes []string
}

// Coord locates a transaction in the partitioned block.
type Coord struct {
	Round int
	Shard int
	Local int
}

// Dependency is an edge between two coordinates, labelled with the key
// that creates it.
type Dependency struct {
	Coord Coord
	Key   string
}

// Entry is one transaction of a sub-block with its cross-shard edges. The
// required edges point to the earlier coordinates whose writes the
// transaction may observe; the dependent edges are the reverse.
type Entry struct {
	Global     int
	Tx         txn.Transaction
	Required   []Dependency
	Dependents []Dependency
}

// SubBlock is the list of transactions assigned to one shard of one
// round, in global order.
type SubBlock struct {
	Round int
	Shard int
	Txns  []Entry
}

// Partitioner splits a block into per-round, per-shard sub-blocks.
type Partitioner struct {
	shards int
	rounds int
}

// NewPartitioner creates a partitioner for the given number of shards,
// using the given number of rounds. The last round is a catch-all that
// guarantees termination: everything still conflicting ends up there,
// serialized in a single shard.
func NewPartitioner(shards, rounds int) (Partitioner, error) {
	if shards < 1 {
		return Partitioner{}, xerrors.Errorf("invalid shard count %d", shards)
	}
	if rounds < 1 {
		return Partitioner{}, xerrors.Errorf("invalid round count %d", rounds)
	}

	return Partitioner{shards: shards, rounds: rounds}, nil
}

// Partition assigns the transactions to coordinates. The hints slice must
// have one entry per transaction.
func (p Partitioner) Partition(txs []txn.Transaction, hints []Hints) ([][]SubBlock, error) {
	if len(hints) != len(txs) {
		return nil, xerrors.Errorf("got %d hints for %d transactions",
			len(hints), len(txs))
	}

	shardOf := make([]int, len(txs))
	for i := range txs {
		// contiguous chunks keep lower indices in lower shards, which the
		// anchor rule below relies on
		shardOf[i] = i * p.shards / max(len(txs), 1)
	}

	remaining := make([]int, len(txs))
	for i := range txs {
		remaining[i] = i
	}

	assigned := make([][][]int, p.rounds)

	for round := 0; round < p.rounds-1 && len(remaining) > 0; round++ {
		assigned[round] = make([][]int, p.shards)

		// every key is anchored to the shard of its lowest remaining
		// writer; a write in any other shard is a conflict
		anchors := make(map[string]int)
		for _, i := range remaining {
			for _, key := range hints[i].Writes {
				_, found := anchors[key]
				if !found {
					anchors[key] = shardOf[i]
				}
			}
		}

		discardedSenders := make(map[string]struct{})
		dirty := make(map[string]struct{})

		var next []int

		for _, i := range remaining {
			shard := shardOf[i]
			sender := string(txs[i].GetSender())

			_, held := discardedSenders[sender]

			conflict := held
			for _, key := range hints[i].Writes {
				if anchors[key] != shard {
					conflict = true
					break
				}
			}

			// a key written by a discarded transaction is dirty for the
			// rest of the round: a later transaction hinting at it must
			// follow the writer, otherwise it would depend on a later round
			if !conflict {
				for _, key := range append(append([]string{}, hints[i].Reads...), hints[i].Writes...) {
					_, found := dirty[key]
					if found {
						conflict = true
						break
					}
				}
			}

			if conflict {
				// later transactions of the sender follow it to keep the
				// per-sender sequence intact
				discardedSenders[sender] = struct{}{}

				for _, key := range hints[i].Writes {
					dirty[key] = struct{}{}
				}

				next = append(next, i)
				continue
			}

			assigned[round][shard] = append(assigned[round][shard], i)
		}

		remaining = next
	}

	// catch-all round: whatever is left runs serialized in one shard
	assigned[p.rounds-1] = make([][]int, p.shards)
	assigned[p.rounds-1][0] = remaining

	return p.link(txs, hints, assigned), nil
}

func (p Partitioner) link(
	txs []txn.Transaction,
	hints []Hints,
	assigned [][][]int,
) [][]SubBlock {

	coords := make([]Coord, len(txs))
	entries := make([]*Entry, len(txs))

	result := make([][]SubBlock, 0, p.rounds)

	for round, shards := range assigned {
		var subs []SubBlock

		for shard, indices := range shards {
			if len(indices) == 0 {
				continue
			}

			sub := SubBlock{Round: round, Shard: shard}

			for local, i := range indices {
				coords[i] = Coord{Round: round, Shard: shard, Local: local}
				sub.Txns = append(sub.Txns, Entry{Global: i, Tx: txs[i]})
			}

			subs = append(subs, sub)
		}

		result = append(result, subs)
	}

	for _, subs := range result {
		for s := range subs {
			for t := range subs[s].Txns {
				entries[subs[s].Txns[t].Global] = &subs[s].Txns[t]
			}
		}
	}

	// walk in global order so that each read or write links to the most
	// recent earlier writer of the key
	owner := make(map[string]int)

	for i := range txs {
		seen := make(map[int]struct{})

		for _, key := range append(append([]string{}, hints[i].Reads...), hints[i].Writes...) {
			j, found := owner[key]
			if !found || j == i {
				continue
			}

			if coords[j].Round == coords[i].Round && coords[j].Shard == coords[i].Shard {
				// same sub-block: the local order is enough
				continue
			}

			_, dup := seen[j]
			if dup {
				continue
			}
			seen[j] = struct{}{}

			entries[i].Required = append(entries[i].Required,
				Dependency{Coord: coords[j], Key: key})
			entries[j].Dependents = append(entries[j].Dependents,
				Dependency{Coord: coords[i], Key: key})
		}

		for _, key := range hints[i].Writes {
			owner[key] = i
		}
	}

	return result
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}
