package macro

import (
	"errors"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/calcgrid/calcgrid/internal/sheet"
	"github.com/calcgrid/calcgrid/internal/vba"
)

// Host errors.
var (
	ErrNoWorkbook       = errors.New("no workbook loaded")
	ErrRuntimeNotConfig = errors.New("no macro runtime configured")
)

// ProjectParseError reports a failure decoding the embedded macro project.
type ProjectParseError struct{ Msg string }

func (e *ProjectParseError) Error() string { return "macro project parse error: " + e.Msg }

// ProgramParseError reports a failure compiling macro source.
type ProgramParseError struct{ Msg string }

func (e *ProgramParseError) Error() string { return "macro program parse error: " + e.Msg }

// RuntimeError wraps a macro runtime failure surfaced by host operations.
type RuntimeError struct{ Msg string }

func (e *RuntimeError) Error() string { return "macro runtime error: " + e.Msg }

// MacroInfo describes one callable procedure.
type MacroInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Module   string `json:"module,omitempty"`
}

// RuntimeContext carries macro-visible cursor state across invocations.
// ActiveRow/ActiveCol are 1-indexed; ActiveSheet is a sheet index.
type RuntimeContext struct {
	ActiveSheet int
	ActiveRow   int
	ActiveCol   int
	Selection   *RangeRef
}

// DefaultRuntimeContext positions the cursor at A1 on the first sheet.
func DefaultRuntimeContext() RuntimeContext {
	return RuntimeContext{ActiveSheet: 0, ActiveRow: 1, ActiveCol: 1}
}

// ProjectDecoder turns raw embedded project bytes into modules. Satisfied by
// vba.Decoder; tests substitute fakes.
type ProjectDecoder interface {
	Decode(bin []byte) (*vba.Project, error)
}

// Host caches the parsed macro project and compiled program against a
// fingerprint of the embedded source bytes, lists callable procedures, and
// tracks the runtime context between invocations.
//
// Host is not safe for concurrent use: it backs onto the same runtime types
// the adapter hands out, so every access must happen under the process-wide
// mutex that guards AppState. Handles must not be shared outside that guard.
type Host struct {
	engine  Engine
	decoder ProjectDecoder

	projectHash     uint64
	hashKnown       bool
	project         *vba.Project
	combinedSource  string
	sourceKnown     bool
	program         Program
	procedureModule map[string]string
	ctx             RuntimeContext

	programCompiles int
}

// NewHost constructs a host. engine may be nil when no macro runtime is
// wired; project inspection still works, execution fails with
// ErrRuntimeNotConfig.
func NewHost(engine Engine, decoder ProjectDecoder) *Host {
	if decoder == nil {
		decoder = vba.Decoder{}
	}
	return &Host{
		engine:          engine,
		decoder:         decoder,
		procedureModule: make(map[string]string),
		ctx:             DefaultRuntimeContext(),
	}
}

// Engine returns the macro runtime engine, or nil when none is wired.
func (h *Host) Engine() Engine { return h.engine }

// Invalidate drops every cached artifact and resets the runtime context.
func (h *Host) Invalidate() {
	h.projectHash = 0
	h.hashKnown = false
	h.project = nil
	h.combinedSource = ""
	h.sourceKnown = false
	h.program = nil
	h.procedureModule = make(map[string]string)
	h.ctx = DefaultRuntimeContext()
	h.programCompiles = 0
}

// RuntimeContext returns the cached macro cursor state.
func (h *Host) RuntimeContext() RuntimeContext { return h.ctx }

// SetRuntimeContext replaces the cached macro cursor state.
func (h *Host) SetRuntimeContext(ctx RuntimeContext) { h.ctx = ctx }

// SyncWithWorkbook refreshes the cache fingerprint against the workbook's
// embedded project bytes, invalidating everything when it changed.
func (h *Host) SyncWithWorkbook(wb *sheet.Workbook) {
	h.refreshIfNeeded(wb)
}

func (h *Host) refreshIfNeeded(wb *sheet.Workbook) {
	known := wb.VBAProjectBin != nil
	var hash uint64
	if known {
		hash = hashBytes(wb.VBAProjectBin)
	}
	if known == h.hashKnown && hash == h.projectHash {
		return
	}
	h.Invalidate()
	h.hashKnown = known
	h.projectHash = hash
}

func (h *Host) ensureProjectLoaded(wb *sheet.Workbook) error {
	h.refreshIfNeeded(wb)
	if wb.VBAProjectBin == nil || h.project != nil {
		return nil
	}
	project, err := h.decoder.Decode(wb.VBAProjectBin)
	if err != nil {
		return &ProjectParseError{Msg: err.Error()}
	}
	h.procedureModule = buildProcedureModuleMap(project)
	h.project = project
	return nil
}

func (h *Host) ensureSourcesLoaded(wb *sheet.Workbook) error {
	if err := h.ensureProjectLoaded(wb); err != nil {
		return err
	}
	if wb.VBAProjectBin == nil || h.sourceKnown {
		return nil
	}
	if h.project == nil {
		return &RuntimeError{Msg: "missing macro project"}
	}
	parts := make([]string, 0, len(h.project.Modules))
	for _, m := range h.project.Modules {
		parts = append(parts, m.Code)
	}
	h.combinedSource = strings.Join(parts, "\n\n")
	h.sourceKnown = true
	return nil
}

// Project decodes (once per fingerprint) and returns the macro project, or
// nil when the workbook embeds none.
func (h *Host) Project(wb *sheet.Workbook) (*vba.Project, error) {
	if err := h.ensureProjectLoaded(wb); err != nil {
		return nil, err
	}
	return h.project, nil
}

// Program compiles (once per fingerprint) the combined module source through
// the runtime engine, or returns nil when the workbook embeds no project.
func (h *Host) Program(wb *sheet.Workbook) (Program, error) {
	if err := h.ensureSourcesLoaded(wb); err != nil {
		return nil, err
	}
	if !h.sourceKnown {
		return nil, nil
	}
	if h.engine == nil {
		return nil, ErrRuntimeNotConfig
	}
	if h.program != nil {
		return h.program, nil
	}
	program, err := h.engine.ParseProgram(h.combinedSource)
	if err != nil {
		return nil, &ProgramParseError{Msg: err.Error()}
	}
	h.programCompiles++
	h.program = program
	return program, nil
}

// ListMacros returns the callable procedures sorted by name. With a runtime
// engine wired the compiled program is authoritative; without one the
// decoder's procedure scan serves the listing.
func (h *Host) ListMacros(wb *sheet.Workbook) ([]MacroInfo, error) {
	var names []string
	if h.engine != nil {
		program, err := h.Program(wb)
		if err != nil {
			return nil, err
		}
		if program == nil {
			return nil, nil
		}
		names = program.Procedures()
	} else {
		if err := h.ensureProjectLoaded(wb); err != nil {
			return nil, err
		}
		if h.project == nil {
			return nil, nil
		}
		for _, m := range h.project.Modules {
			names = append(names, vba.ScanProcedures(m.Code)...)
		}
	}

	macros := make([]MacroInfo, 0, len(names))
	for _, name := range names {
		macros = append(macros, MacroInfo{
			ID:       name,
			Name:     name,
			Language: "vba",
			Module:   h.procedureModule[strings.ToLower(name)],
		})
	}
	sort.Slice(macros, func(i, j int) bool { return macros[i].Name < macros[j].Name })
	return macros, nil
}

// ProgramCompiles reports how many times the engine recompiled the program,
// for cache verification in tests.
func (h *Host) ProgramCompiles() int { return h.programCompiles }

func buildProcedureModuleMap(project *vba.Project) map[string]string {
	m := make(map[string]string)
	for _, module := range project.Modules {
		for _, proc := range vba.ScanProcedures(module.Code) {
			m[strings.ToLower(proc)] = module.Name
		}
	}
	return m
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
