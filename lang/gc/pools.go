// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import (
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/vela-lang/vela/lang/object"
)

// Pool limits per spec §4.2.5.
const (
	kGCMinimumPoolLimit = 256
	kGCMaximumPoolLimit = 4096
)

// typedPool tracks one of the Table/Closure FIFO pools plus the hit/miss
// bookkeeping the adaptive-limit heuristic needs.
type typedPool struct {
	limit        int
	hits, misses int
}

func newTypedPool() *typedPool { return &typedPool{limit: kGCMinimumPoolLimit} }

// adapt implements spec §4.2.5's adaptive limit rule, called once per cycle
// boundary with the cycle's debt state.
func (p *typedPool) adapt(idleDebt bool) {
	switch {
	case p.misses > 20 && p.hitRate() < 0.5:
		p.limit += 4
		if p.limit > kGCMaximumPoolLimit {
			p.limit = kGCMaximumPoolLimit
		}
	case idleDebt && p.misses < 5 && p.hitRate() > 0.95:
		p.limit -= 8
		if p.limit < kGCMinimumPoolLimit {
			p.limit = kGCMinimumPoolLimit
		}
	case idleDebt:
		p.limit--
		if p.limit < kGCMinimumPoolLimit {
			p.limit = kGCMinimumPoolLimit
		}
	}
	p.hits, p.misses = 0, 0
}

func (p *typedPool) hitRate() float64 {
	total := p.hits + p.misses
	if total == 0 {
		return 1
	}
	return float64(p.hits) / float64(total)
}

// Pools holds the three typed object pools of spec §4.2.5: String, Table,
// Closure. Strings are pooled by best-fit backing-buffer capacity through a
// fastcache byte cache (repurposed here from its usual role as a bounded
// chain-state cache to a bounded scratch-buffer pool); Table and Closure
// are simple FIFOs.
type Pools struct {
	strings *fastcache.Cache
	strPool *typedPool

	tables    []*object.Table
	tablePool *typedPool

	closures    []*object.Closure
	closurePool *typedPool
}

func NewPools() *Pools {
	return &Pools{
		strings:     fastcache.New(1 << 20),
		strPool:     newTypedPool(),
		tablePool:   newTypedPool(),
		closurePool: newTypedPool(),
	}
}

// strBucketKey buckets capacities so heap strings can accept up to 4 bytes
// of over-capacity, matching spec §4.2.5's best-fit rule.
func strBucketKey(n int) []byte {
	return []byte(fmt.Sprintf("b%d", (n/4)*4))
}

// TakeStringBuffer returns a reusable backing buffer of at least n bytes, or
// nil if the pool has nothing suitable (miss).
func (p *Pools) TakeStringBuffer(n int) []byte {
	for slack := 0; slack <= 4; slack++ {
		key := strBucketKey(n + slack)
		if buf, ok := p.strings.HasGet(nil, key); ok && len(buf) >= n && len(buf) <= n+4 {
			p.strings.Del(key)
			p.strPool.hits++
			return buf[:n]
		}
	}
	p.strPool.misses++
	return nil
}

// ReturnStringBuffer pools a freed heap string's backing buffer.
func (p *Pools) ReturnStringBuffer(buf []byte) {
	if p.strPool.limit <= 0 {
		return
	}
	p.strings.Set(strBucketKey(len(buf)), buf)
}

func (p *Pools) TakeTable() *object.Table {
	if len(p.tables) == 0 {
		p.tablePool.misses++
		return nil
	}
	t := p.tables[0]
	p.tables = p.tables[1:]
	p.tablePool.hits++
	return t
}

func (p *Pools) ReturnTable(t *object.Table) {
	if len(p.tables) >= p.tablePool.limit {
		return
	}
	p.tables = append(p.tables, t)
}

func (p *Pools) TakeClosure() *object.Closure {
	if len(p.closures) == 0 {
		p.closurePool.misses++
		return nil
	}
	c := p.closures[0]
	p.closures = p.closures[1:]
	p.closurePool.hits++
	return c
}

func (p *Pools) ReturnClosure(c *object.Closure) {
	if len(p.closures) >= p.closurePool.limit {
		return
	}
	p.closures = append(p.closures, c)
}

// AdaptLimits runs the per-cycle-boundary adaptive limit heuristic and
// trims the FIFO pools down to their (possibly shrunk) limit.
func (p *Pools) AdaptLimits(idleDebt bool) {
	p.strPool.adapt(idleDebt)
	p.tablePool.adapt(idleDebt)
	p.closurePool.adapt(idleDebt)

	if len(p.tables) > p.tablePool.limit {
		p.tables = p.tables[:p.tablePool.limit]
	}
	if len(p.closures) > p.closurePool.limit {
		p.closures = p.closures[:p.closurePool.limit]
	}
}
