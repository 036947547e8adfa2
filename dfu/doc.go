// Package dfu updates device firmware over an mcumgr client.
//
// Uploader streams an image into the device's secondary slot and reports
// progress on an event stream. Lifecycle drives the uploaded image through
// test, reboot and confirmation. Updater combines both with reconnection
// after reset:
//
//	client := mcumgr.New()
//	upd := dfu.NewUpdater(tr, client)
//	if err := upd.Connect(ctx); err != nil {
//	    return err
//	}
//	run, err := upd.Run(ctx, data)
//	if err != nil {
//	    return err
//	}
//	for ev := range run.Events() {
//	    fmt.Println(ev.Kind, ev.Percentage)
//	}
//	if res := run.Wait(); res.Kind != dfu.EventBootConfirmed {
//	    return res.Err
//	}
package dfu
