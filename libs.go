package luahost

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LibrarySet selects which of the engine's standard library modules an
// interpreter exposes to loaded scripts, one bit per module.
type LibrarySet uint16

// Individual library bits. Channel is the engine's own extra module for
// cross-state communication; the engine implements Lua 5.1, which has no
// utf8 library.
const (
	LibBase LibrarySet = 1 << iota
	LibPackage
	LibCoroutine
	LibDebug
	LibIo
	LibMath
	LibOs
	LibString
	LibTable
	LibChannel
)

// Presets.
const (
	// LibAll selects every standard module.
	LibAll = LibBase | LibPackage | LibCoroutine | LibDebug | LibIo |
		LibMath | LibOs | LibString | LibTable | LibChannel

	// LibSandboxed retains everything except module loading and raw I/O.
	// Interpreters built with it additionally lose dofile/loadfile/load
	// and the os functions that execute or mutate outside the process.
	LibSandboxed = LibAll &^ (LibPackage | LibIo)

	// LibNone selects nothing; scripts see only the language itself.
	LibNone LibrarySet = 0
)

// Has reports whether every bit of lib is selected.
func (s LibrarySet) Has(lib LibrarySet) bool {
	return s&lib == lib
}

// libEntry ties a bit to the engine's loader. Order matters: package
// must open first so require and package.preload exist for the rest.
type libEntry struct {
	bit  LibrarySet
	name string
	open lua.LGFunction
}

// The engine names the base module "" since its functions live in the
// global table; "base" stands in for it wherever a name is needed.
var libEntries = []libEntry{
	{LibPackage, lua.LoadLibName, lua.OpenPackage},
	{LibBase, "base", lua.OpenBase},
	{LibTable, lua.TabLibName, lua.OpenTable},
	{LibString, lua.StringLibName, lua.OpenString},
	{LibMath, lua.MathLibName, lua.OpenMath},
	{LibOs, lua.OsLibName, lua.OpenOs},
	{LibIo, lua.IoLibName, lua.OpenIo},
	{LibCoroutine, lua.CoroutineLibName, lua.OpenCoroutine},
	{LibDebug, lua.DebugLibName, lua.OpenDebug},
	{LibChannel, lua.ChannelLibName, lua.OpenChannel},
}

// libNames maps the configuration-facing module names to bits.
var libNames = map[string]LibrarySet{
	"base":      LibBase,
	"package":   LibPackage,
	"coroutine": LibCoroutine,
	"debug":     LibDebug,
	"io":        LibIo,
	"math":      LibMath,
	"os":        LibOs,
	"string":    LibString,
	"table":     LibTable,
	"channel":   LibChannel,
}

// ParseLibrarySet builds a LibrarySet from module names. The presets
// "all" and "sandboxed" are accepted alongside individual module names.
func ParseLibrarySet(names []string) (LibrarySet, error) {
	var set LibrarySet
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "all":
			set |= LibAll
		case "sandboxed":
			set |= LibSandboxed
		default:
			bit, ok := libNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return 0, fmt.Errorf("unknown library %q", name)
			}
			set |= bit
		}
	}
	return set, nil
}

// String lists the selected module names.
func (s LibrarySet) String() string {
	var names []string
	for _, e := range libEntries {
		if s.Has(e.bit) {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

// openLibraries opens the selected modules and preloads the preload set
// for require. Preloading needs the package module; it is opened
// implicitly when a preload set is given without it.
func openLibraries(L *lua.LState, libs, preload LibrarySet) {
	if preload != 0 {
		libs |= LibPackage
	}
	for _, e := range libEntries {
		if libs.Has(e.bit) {
			e.open(L)
		}
	}
	for _, e := range libEntries {
		if preload.Has(e.bit) && !libs.Has(e.bit) {
			L.PreloadModule(e.name, e.open)
		}
	}
}

// harden removes the globals that let scripts escape a restricted
// library set: chunk-loading functions and the os entries that run
// commands or touch the file system. Applied when neither package nor
// io is selected.
func harden(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	osVal := L.GetGlobal(lua.OsLibName)
	osMod, ok := osVal.(*lua.LTable)
	if !ok {
		return
	}
	for _, name := range []string{"execute", "remove", "rename", "exit", "tmpname"} {
		osMod.RawSetString(name, lua.LNil)
	}
}
