// Package capturepipe orchestrates a multi-stage camera capture pipeline.
//
// A pipeline is a fixed graph of stages (sensor, bayer, ISP, scaler, vision
// analysis, post-processing, JPEG) selected by a Variant. Each stage runs on
// its own goroutine behind a bounded queue, and frames flow from the head
// stage to a completion queue.
//
// # Lifecycle
//
//	NONE --Create--> CREATE --InitPipes--> INIT --PreparePipes/StartPipes--> RUN
//	                   ^                                                      |
//	                   +---------------------- StopPipes ---------------------+
//
// Destroy returns any state to NONE.
//
// # Basic Usage
//
//	cfg := config.LoadOrDefault()
//	f, err := capturepipe.New(cfg, capturepipe.Simulated(capturepipe.SimOptions{}), logger, nil)
//	if err != nil {
//	    return err
//	}
//	if err := capturepipe.BringUp(ctx, f); err != nil {
//	    return err
//	}
//	defer capturepipe.Shutdown(context.Background(), f)
//
//	go func() {
//	    for ctx.Err() == nil {
//	        fr, _ := f.NextFrame()
//	        _ = f.PushFrame(fr)
//	    }
//	}()
//
//	capturepipe.Drain(ctx, f, func(fr *capturepipe.Frame) error {
//	    // Inspect fr; buffers are recycled after the callback returns.
//	    return nil
//	})
//
// # Geometry
//
// Crop and scale regions for every stage are resolved once per InitPipes
// from the parameter tables (see Resolve). Degenerate requests fall back to
// the identity crop instead of failing.
package capturepipe
