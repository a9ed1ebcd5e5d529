package observability

import "runtime/debug"

// RecoverPanic absorbs a panic in a long-lived goroutine — the doc-gen
// dispatcher, the notifier, an analyzer worker — and logs it with the full
// stack instead of taking the whole registry process down.
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "docgen dispatcher")
//	    d.Run(ctx)
//	}()
//
// It must sit directly in a defer statement for recover to see the panic.
// The panic is not re-raised; the goroutine ends, and whatever owns it is
// responsible for restarting or degrading gracefully.
func RecoverPanic(logger *Logger, scope string) {
	r := recover()
	if r == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"panic": r,
		"scope": scope,
		"stack": string(debug.Stack()),
	}).Error("panic recovered")
}
