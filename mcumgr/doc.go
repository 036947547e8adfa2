// Package mcumgr provides a request/response client for MCUmgr devices.
//
// The Client serialises SMP exchanges over a transport.Conn: one request
// in flight, responses matched by sequence number, a deadline per wait.
// Typed helpers cover the OS and image management groups:
//
//	client := mcumgr.New(mcumgr.WithLogger(logger))
//	if err := client.Attach(conn); err != nil {
//	    return err
//	}
//
//	slots, err := client.ImageState(ctx)
//	if err != nil {
//	    return err
//	}
//	for _, s := range slots {
//	    fmt.Printf("slot %d: %s %s\n", s.Slot, s.Version, s.HashHex())
//	}
//
// Errors reported by the device are returned as *smp.DeviceError. A lost
// link fails the waiting request with transport.ErrLinkLost; a missing
// response fails it with a *TimeoutError.
package mcumgr
