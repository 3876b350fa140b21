// Package shadow keeps the per-stream pipeline definitions of a device in a
// remote shadow document.
//
// A shadow document has three partitions: desired (what the cloud wants
// running), reported (what the device applied) and delta (computed by the
// service). Store mutates the desired partition by read-modify-write:
//
//	store := shadow.NewStore(shadow.NewMQTTService(client, "press-line-4", 1), 5*time.Second)
//	owner := shadow.NewOwner(store, "pipelines")
//	defer owner.Close()
//
//	if err := owner.EnsureExists(ctx); err != nil { ... }
//	if err := owner.Upsert(ctx, "cam0", "v4l2src ! ... ! appsink name=capture_sink"); err != nil { ... }
//
// Failures are returned as *Error wrapping ErrNotFound, ErrTimeout or
// ErrUnauthorized. Nothing is retried here.
package shadow
