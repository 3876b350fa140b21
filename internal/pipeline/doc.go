// Package pipeline runs declarative media pipelines (gst-launch syntax) for
// acquisition and on-device inference.
//
// One Executor owns the media runtime. A run parses the definition, pushes an
// optional frame through the programmable source stage, transitions the graph
// to PLAYING and drains the bus until end-of-stream or an error:
//
//	exec, err := pipeline.NewExecutor(pipeline.ExecutorConfig{
//	    TraceLogPath: "/var/log/defectd/pipeline-trace.log",
//	}, gstengine.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	res, err := exec.Run(ctx, "videotestsrc num-buffers=1 ! jpegenc ! appsink name=capture_sink", nil)
//
// Bus errors become *ExecutionError (with the originating stage), parse
// failures become *SyntaxError. Tag messages never end a run; only the
// is_anomalous and confidence keys are kept.
//
// # Frame push
//
// A definition that receives external frames names its appsrc
// "programmable_source". Caps for the pushed buffer come from the caps=
// property of the first stage with width and height replaced by the frame's:
//
//	appsrc name=programmable_source caps="video/x-raw,format=RGB" ! videoconvert ! ...
//
// # Thread Safety
//
// Run may be called from any goroutine. Runs are serialized because the
// runtime's debug level and plugin path are process-wide.
package pipeline
