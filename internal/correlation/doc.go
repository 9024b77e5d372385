// Package correlation turns two unrelated asynchronous message streams into
// a blocking request/response call.
//
// A caller registers a waiter under a fresh request ID before sending the
// request, then waits with a timeout. The inbound path resolves the waiter
// when a message carrying the matching correlation ID arrives. Entries are
// removed on every exit path, so a late response finds nothing and is
// discarded.
//
//	table := correlation.NewTable[*message.Message]()
//
//	w, err := table.Register(requestID)
//	// ... send request ...
//	resp, err := table.Wait(ctx, w, 1500*time.Millisecond)
//
//	// elsewhere, on the response input:
//	if !table.Resolve(msg.CorrelationID, msg) {
//	    // unknown or late: discard
//	}
package correlation
