// Package luahost embeds a Lua 5.1 virtual machine (gopher-lua) behind a
// statically typed Go surface.
//
// The engine exchanges values only through its operand stack; luahost
// hides that protocol behind three cooperating pieces:
//
//   - a value marshaller that converts Go values to and from stack slots
//     using compiled type descriptors (bool, numbers, strings, []byte,
//     structs, slices, arrays, maps, pointers, funcs),
//   - a call dispatcher that resolves a global, pushes arguments, runs a
//     protected call, and reads typed returns while keeping the stack
//     balanced on every exit path,
//   - a native function wrapper that exposes ordinary Go functions as
//     Lua-callable values with strict arity and argument-type checking.
//
// A minimal session:
//
//	in, err := luahost.New(luahost.WithLibraries(luahost.LibSandboxed))
//	if err != nil { ... }
//	defer in.Close()
//
//	if err := in.LoadString(`function add(a, b) return a + b end`, "add.lua"); err != nil { ... }
//	if err := in.Run(); err != nil { ... }
//
//	var sum int
//	if err := in.Call("add", luahost.Args{2, 3}, &sum); err != nil { ... }
//
// An Interpreter is not safe for concurrent use. Exactly one goroutine
// must drive it at a time; Executor provides a channel-serialized
// boundary for hosts that need to reach one interpreter from many
// goroutines.
package luahost
