package utils

import (
	log "github.com/sirupsen/logrus"
)

// RunWithRecovery runs a function in a goroutine with panic recovery.
// It logs any recovered panics and continues execution.
func RunWithRecovery(fn func()) {
	go CallWithRecovery(fn)
}

// CallWithRecovery runs fn on the calling goroutine and logs a panic instead
// of propagating it. It reports whether fn returned normally.
func CallWithRecovery(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("RECOVERED FROM PANIC: %v", r)
			ok = false
		}
	}()
	fn()
	return true
}
