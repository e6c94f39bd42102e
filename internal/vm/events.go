package vm

import (
	"lispvm/internal/trace"
)

func (vm *VM) setEvents(t trace.Tracer) {
	if t == nil {
		t = trace.Nop
	}
	vm.events = t
	vm.traceCalls = t.Level().ShouldEmit(trace.ScopeCall)
	vm.traceInstrs = t.Level().ShouldEmit(trace.ScopeInstr)
}

// Engine returns the identifier that tags this VM's trace events.
func (vm *VM) Engine() uint64 { return vm.engine }

// origin locates the current instruction for trace events.
func (vm *VM) origin() trace.Origin {
	o := trace.Origin{Engine: vm.engine, Depth: vm.cur.Depth, IP: vm.cur.CallIP}
	if len(vm.runs) > 0 {
		o.Run = vm.currentRun().id
	}
	if vm.cur.Chunk != nil {
		o.Chunk = chunkName(vm.cur.Chunk)
	}
	return o
}

// emit sends a point event when the tracer's level covers scope.
func (vm *VM) emit(scope trace.Scope, name, detail string, extra map[string]string) {
	trace.Point(vm.events, scope, name, detail, vm.origin(), extra)
}

// emitError reports an error that escaped the outermost run.
func (vm *VM) emitError(e *VMError) {
	if !vm.events.Enabled() {
		return
	}
	o := trace.Origin{Engine: vm.engine}
	extra := map[string]string{"code": e.Code.String(), "tag": e.Tag}
	if len(e.Backtrace) > 0 {
		top := e.Backtrace[0]
		o.Chunk, o.IP = top.Name, top.IP
		extra["at"] = top.location()
	}
	trace.Fail(vm.events, "uncaught", e.Message, o, extra)
}
