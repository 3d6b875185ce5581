// Package longrange implements the long-time-range planner (spec §4.4):
// splits a query's time window across the raw-tier and downsample-tier
// planners at the point retention boundaries cross, step-aligning each
// side and stitching the two subplans back together.
package longrange

import (
	"github.com/dreamware/promshard/internal/execplan"
	"github.com/dreamware/promshard/internal/logicalplan"
)

// Compiler is implemented by any inner planner (typically
// internal/planner/singlecluster.Planner) this planner delegates a
// sub-range to.
type Compiler interface {
	Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error)
}

// Params configures a Planner. EarliestRawMs and LatestDownsampleMs are
// functions rather than fixed values because retention boundaries move as
// data ages out and downsampling advances.
type Params struct {
	StepMs             int64
	EarliestRawMs      func() int64
	LatestDownsampleMs func() int64
	Raw                Compiler
	Downsample         Compiler
}

// Planner splits [start, end] into at most two intervals and delegates
// each to the raw or downsample tier.
type Planner struct {
	Params Params
}

// New builds a Planner bound to params.
func New(params Params) *Planner { return &Planner{Params: params} }

// Compile implements spec §4.4's split: [start, latestDownsample] goes to
// the downsample planner, [max(start, earliestRaw), end] goes to the raw
// planner; when both exist the results are stitched, and when one is
// empty the other is returned directly.
func (p *Planner) Compile(plan *logicalplan.LogicalPlan, startMs, endMs int64) (*execplan.Node, error) {
	earliestRaw := p.Params.EarliestRawMs()
	latestDownsample := p.Params.LatestDownsampleMs()

	var nodes []*execplan.Node

	if startMs <= latestDownsample {
		dsEnd := endMs
		if dsEnd > latestDownsample {
			dsEnd = alignDown(latestDownsample, startMs, p.Params.StepMs)
		}
		if dsEnd >= startMs {
			node, err := p.Params.Downsample.Compile(plan, startMs, dsEnd)
			if err != nil {
				return nil, err
			}
			if node.Kind != execplan.KindEmptyResult {
				nodes = append(nodes, node)
			}
		}
	}

	rawStart := startMs
	if rawStart < earliestRaw {
		rawStart = alignUp(earliestRaw, startMs, p.Params.StepMs)
	}
	if rawStart <= endMs {
		node, err := p.Params.Raw.Compile(plan, rawStart, endMs)
		if err != nil {
			return nil, err
		}
		if node.Kind != execplan.KindEmptyResult {
			nodes = append(nodes, node)
		}
	}

	switch len(nodes) {
	case 0:
		return execplan.EmptyResult(), nil
	case 1:
		return nodes[0], nil
	default:
		return execplan.Stitch(nodes...), nil
	}
}

// alignDown rounds t down to the nearest grid point at or below t, where
// the grid starts at gridStart and advances by stepMs.
func alignDown(t, gridStart, stepMs int64) int64 {
	if stepMs <= 0 {
		return t
	}
	offset := (t - gridStart) % stepMs
	if offset < 0 {
		offset += stepMs
	}
	return t - offset
}

// alignUp rounds t up to the nearest grid point at or above t.
func alignUp(t, gridStart, stepMs int64) int64 {
	aligned := alignDown(t, gridStart, stepMs)
	if aligned < t {
		aligned += stepMs
	}
	return aligned
}
