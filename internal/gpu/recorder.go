package gpu

import (
	"fmt"
	"strings"
	"sync"
)

// Op names a recorded command.
type Op int

const (
	OpBindPipeline Op = iota
	OpUpdateBindings
	OpPushConstants
	OpDispatch
)

func (o Op) String() string {
	switch o {
	case OpBindPipeline:
		return "bind_pipeline"
	case OpUpdateBindings:
		return "update_bindings"
	case OpPushConstants:
		return "push_constants"
	case OpDispatch:
		return "dispatch"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Record is one recorded command.
type Record struct {
	Op        Op
	Pipeline  string
	Bindings  []Mat
	Constants []int32
	Groups    [3]uint32
}

func (r Record) String() string {
	switch r.Op {
	case OpBindPipeline:
		return fmt.Sprintf("%s %s", r.Op, r.Pipeline)
	case OpUpdateBindings:
		shapes := make([]string, len(r.Bindings))
		for i, b := range r.Bindings {
			shapes[i] = fmt.Sprintf("%dd[%d,%d,%d]", b.Dims, b.W, b.H, b.C)
		}
		return fmt.Sprintf("%s %s %s", r.Op, r.Pipeline, strings.Join(shapes, " "))
	case OpPushConstants:
		return fmt.Sprintf("%s %s %v", r.Op, r.Pipeline, r.Constants)
	case OpDispatch:
		return fmt.Sprintf("%s %dx%dx%d", r.Op, r.Groups[0], r.Groups[1], r.Groups[2])
	}
	return r.Op.String()
}

// Recorder is a Device and Command that compiles nothing and keeps every
// recorded call. It backs dry runs and tests of the GPU paths.
type Recorder struct {
	info DeviceInfo

	mu        sync.Mutex
	records   []Record
	pipelines map[*Pipeline]bool
}

// NewRecorder returns a recorder reporting info as its limits.
func NewRecorder(info DeviceInfo) *Recorder {
	return &Recorder{info: info, pipelines: make(map[*Pipeline]bool)}
}

func (r *Recorder) Info() DeviceInfo { return r.info }

func (r *Recorder) CreatePipeline(p *Pipeline) error {
	if p.BindingCount <= 0 {
		return fmt.Errorf("gpu: pipeline %s declares no bindings", p.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p] = true
	p.Handle = p.Name
	return nil
}

func (r *Recorder) DestroyPipeline(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, p)
	p.Handle = nil
}

// LivePipelines returns the number of created and not yet destroyed pipelines.
func (r *Recorder) LivePipelines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipelines)
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *Recorder) BindPipeline(p *Pipeline) {
	r.add(Record{Op: OpBindPipeline, Pipeline: p.Name})
}

func (r *Recorder) UpdateBindings(p *Pipeline, bindings []Mat) {
	r.add(Record{Op: OpUpdateBindings, Pipeline: p.Name, Bindings: append([]Mat(nil), bindings...)})
}

func (r *Recorder) PushConstants(p *Pipeline, constants []int32) {
	r.add(Record{Op: OpPushConstants, Pipeline: p.Name, Constants: append([]int32(nil), constants...)})
}

func (r *Recorder) Dispatch(groups [3]uint32) {
	r.add(Record{Op: OpDispatch, Groups: groups})
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Reset drops the recorded commands.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = r.records[:0]
	r.mu.Unlock()
}
