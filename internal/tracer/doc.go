// Package tracer runs a command under ptrace and turns its syscall stops into
// call and return events.
//
// The tracee is started stopped, PTRACE_O_TRACESYSGOOD is set so syscall
// stops are distinguishable from real SIGTRAPs, and the tracee is resumed with
// PTRACE_SYSCALL after every stop. Each syscall produces two stops per thread,
// which strictly alternate; the tracer keeps one in-syscall flag per thread id
// to tell them apart.
//
// All ptrace requests must come from the thread that started the tracee, so
// Run locks its goroutine to an OS thread for its whole lifetime.
package tracer
