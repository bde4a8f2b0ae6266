package tsdb

import (
	"github.com/S0me0neR0man/tsstash/internal/model"
)

type blockDecision int8

const (
	decidePassThrough blockDecision = iota
	decideGapFill
	decideMerge
)

func (d blockDecision) String() string {
	switch d {
	case decidePassThrough:
		return "passthrough"
	case decideGapFill:
		return "gapfill"
	}
	return "merge"
}

// nearTs is the timestamp a block is entered at in scan order, farTs where it is left.
func nearTs(order model.Order, blk *model.BlockInfo) int64 {
	if order == model.Descending {
		return blk.MaxKey.Ts
	}
	return blk.MinKey.Ts
}

func farTs(order model.Order, blk *model.BlockInfo) int64 {
	if order == model.Descending {
		return blk.MinKey.Ts
	}
	return blk.MaxKey.Ts
}

// touches reports whether two blocks of one table share a boundary timestamp.
func touches(a, b *model.BlockInfo) bool {
	return a.MaxKey.Ts == b.MinKey.Ts || a.MinKey.Ts == b.MaxKey.Ts
}

// adjacent reports whether blocks[i] shares a boundary timestamp with a neighbour.
func adjacent(blocks []model.BlockInfo, i int) bool {
	return (i > 0 && touches(&blocks[i-1], &blocks[i])) ||
		(i+1 < len(blocks) && touches(&blocks[i], &blocks[i+1]))
}

type blockPolicy struct {
	order    model.Order
	window   model.TimeWindow
	versions model.VersionRange
}

// qualifies reports whether any row of blk can be visible to the query.
func (p blockPolicy) qualifies(blk *model.BlockInfo) bool {
	return blk.Rows > 0 &&
		p.window.Overlaps(blk.MinKey.Ts, blk.MaxKey.Ts) &&
		p.versions.Overlaps(blk.MinVer, blk.MaxVer)
}

// needsMerge holds the conditions that force a block to be decoded no matter what
// memory holds.
func (p blockPolicy) needsMerge(blk *model.BlockInfo, adjacent bool) bool {
	return adjacent ||
		blk.HasDup ||
		!p.window.Covers(blk.MinKey.Ts, blk.MaxKey.Ts) ||
		!p.versions.Covers(blk.MinVer, blk.MaxVer)
}

// decide picks how blk is consumed given the earliest pending key of the table
// (nil when nothing is pending).
func (p blockPolicy) decide(blk *model.BlockInfo, adjacent bool, pending *model.RowKey) blockDecision {
	if pending != nil && p.order.CompareTs(pending.Ts, nearTs(p.order, blk)) < 0 {
		return decideGapFill
	}
	if p.needsMerge(blk, adjacent) {
		return decideMerge
	}
	if pending != nil && blk.MinKey.Ts <= pending.Ts && pending.Ts <= blk.MaxKey.Ts {
		return decideMerge
	}
	return decidePassThrough
}
