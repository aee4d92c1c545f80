// Package discovery assembles a topology tree from platform signals.
//
// A Pipeline runs stages phase by phase: the CPU phase builds the tree
// from aggregate counts and the cache sharing encoding, the annotate phase
// attaches CPU kinds to the finished tree. A pass fails only when no
// processor count is obtainable or a cpuset grows past its capacity.
package discovery

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

var (
	ErrNoProcessors      = errors.New("no processor count available")
	ErrAlreadyDiscovered = errors.New("cpu topology already discovered")
	ErrWrongPhase        = errors.New("pipeline is not in the expected phase")
)

type Phase int

const (
	PhaseCPU Phase = iota
	PhaseAnnotate
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCPU:
		return "cpu"
	case PhaseAnnotate:
		return "annotate"
	}
	return "done"
}

type Stage interface {
	Name() string
	Phase() Phase
	Run(d *Discovery) error
}

// Discovery is the state a pipeline hands to its stages.
type Discovery struct {
	Snapshot platform.Snapshot
	Filter   Filter
	Logger   logr.Logger

	// Tree is nil until a CPU phase stage builds it.
	Tree   *topology.Tree
	Layout Layout
}

type Result struct {
	Tree   *topology.Tree
	Layout Layout
}

type Options struct {
	Filter Filter
}

// Pipeline runs a single discovery pass.
type Pipeline struct {
	phase  Phase
	ran    bool
	stages []Stage
	d      Discovery
	logger logr.Logger
}

// NewPipeline returns a pipeline with the default stages: the darwin CPU
// backend and the CPU kind registry.
func NewPipeline(snapshot platform.Snapshot, opts Options, logger logr.Logger) *Pipeline {
	logger = logger.WithName("discovery")
	p := &Pipeline{
		logger: logger,
		d: Discovery{
			Snapshot: snapshot,
			Filter:   opts.Filter,
			Logger:   logger,
		},
	}
	p.stages = []Stage{&DarwinStage{}, &CPUKindStage{}}
	return p
}

func (p *Pipeline) Phase() Phase {
	return p.phase
}

// Add appends a stage. Stages can only be added before the pass starts.
func (p *Pipeline) Add(stage Stage) error {
	if p.ran {
		return fmt.Errorf("add stage %s in phase %s: %w", stage.Name(), p.phase, ErrWrongPhase)
	}
	p.stages = append(p.stages, stage)
	return nil
}

// Run executes every stage once, in phase order, then numbers the objects
// of the tree. A second call returns ErrAlreadyDiscovered.
func (p *Pipeline) Run() (*Result, error) {
	if p.ran {
		return nil, ErrAlreadyDiscovered
	}
	p.ran = true

	stages := append([]Stage(nil), p.stages...)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Phase() < stages[j].Phase()
	})

	var cpuErr error
	for _, stage := range stages {
		if stage.Phase() != p.phase {
			if p.phase == PhaseCPU && p.d.Tree == nil {
				return nil, p.noProcessors(cpuErr)
			}
			p.phase = stage.Phase()
		}
		logger := p.logger.WithValues("stage", stage.Name(), "phase", p.phase)
		if p.phase == PhaseCPU && p.d.Tree != nil {
			logger.V(4).Info("Skipping stage", "reason", ErrAlreadyDiscovered)
			continue
		}

		logger.V(4).Info("Running stage")
		err := stage.Run(&p.d)
		switch {
		case err == nil:
		case errors.Is(err, cpuset.ErrExhausted):
			return nil, fmt.Errorf("stage %s: %w", stage.Name(), err)
		case p.phase == PhaseCPU:
			logger.Error(err, "CPU discovery failed")
			cpuErr = err
		default:
			logger.Error(err, "Stage failed")
		}
	}
	if p.d.Tree == nil {
		return nil, p.noProcessors(cpuErr)
	}
	p.phase = PhaseDone

	p.d.Tree.AssignLogicalIndexes()
	if err := p.d.Tree.Validate(); err != nil {
		p.logger.Error(err, "Assembled tree is inconsistent")
	}
	return &Result{Tree: p.d.Tree, Layout: p.d.Layout}, nil
}

func (p *Pipeline) noProcessors(err error) error {
	if err == nil || errors.Is(err, ErrNoProcessors) {
		return fmt.Errorf("no stage built a tree: %w", ErrNoProcessors)
	}
	return fmt.Errorf("%w: %v", ErrNoProcessors, err)
}
