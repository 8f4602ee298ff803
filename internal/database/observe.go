package database

import "log"

// logObserverPanic reports a panic recovered from inside a change
// observer callback without unwinding the dispatch loop, per spec.md
// §7: "errors inside observer callbacks are logged but must not break
// the dispatch loop". This is the one place the core logs rather than
// returns an error, and it deliberately stays on the standard log
// package: the teacher has no structured logging dependency of its
// own to match here.
func logObserverPanic(r any) {
	log.Printf("database: change observer panicked: %v", r)
}
