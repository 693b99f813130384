// Package script loads intercept breakpoint handlers written in Lua. A
// handler script defines a reached() function; on every hit it runs with
// exec, eval, ret, hits and location bound as globals, all operating in
// the breakpoint's execution context.
//
// Lua states are not goroutine-safe, so every handler invocation is
// serialized through the Handler's mutex.
package script
