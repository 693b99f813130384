// Package mi implements the client side of the GDB machine interface:
// a line transport to the debugger process, a router that classifies
// asynchronous output records and completes token-keyed requests, and
// the context guard that serializes normal and intercept command
// traffic on the shared connection.
package mi
