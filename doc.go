// Package pagerunner is the asynchronous content-acquisition pipeline of a
// small browser engine.
//
// A foreground actor (the UI thread of a presentation backend) asks for a
// URL and keeps running. A background parser worker fetches the bytes,
// splits them into text runs and tags, and dispatches every tag to a
// binding table that builds the document. The foreground side polls for
// progress text and for the finished document; nothing ever blocks the UI.
//
// # Quick Start
//
//	inst, err := pagerunner.NewInstance(nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Close(context.Background())
//
//	id, _ := inst.Engine.Request(ctx, "https://example.org/", "")
//	for {
//		if status, ok := inst.Engine.GetStatus(id, 0); ok {
//			fmt.Println(status)
//		}
//		res := inst.Engine.Poll(id)
//		if res.Done() {
//			fmt.Println(res.Document.TextContent())
//			break
//		}
//		time.Sleep(42 * time.Millisecond)
//	}
//
// # Key Concepts
//
// WorkerRegistry: background workers grouped by category (interface,
// parser, control). Cancel is cooperative and targeted; Join waits for a
// category and refuses to let a worker wait for itself.
//
// Mailbox: the single-slot control and status channels. Give overwrites
// (latest wins); Send waits for the slot to drain.
//
// StreamParser: reads a byte source one byte at a time, emits text runs
// into the document at its insertion point and hands complete tags to the
// TagBindingTable. Unknown tags are ignored.
//
// Engine: the page request protocol. Request, Poll and GetStatus never
// block. Close joins interface workers before cancelling the rest.
//
// SingleThreadTaskRunner: the foreground actor. Backends poll from a
// repeating task on it; blocking fetches go through PostTaskAndReply.
package pagerunner
