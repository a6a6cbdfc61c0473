// Package shm shares a fixed-size byte region between processes on one host.
//
// Every segment starts with a 20 byte little-endian Header recording the
// committed payload length, the segment capacity, the pid of the last writer
// and the time of the last commit. Access is serialized by a cross-process
// lock; every exported operation of Session takes and releases it, and the
// Unsafe* variants are for callers that already hold it through
// AcquireForWrite.
//
// Processes find each other by name. A writer attaches with a capacity; a
// reader may attach with capacity zero and learn the agreed size from the
// header:
//
//	w, err := shm.Open("metrics", 4096, nil)
//	// ...
//	err = w.Write(0, payload)
//
//	r, err := shm.Open("metrics", 0, nil)
//	hdr, err := r.HeaderSnapshot()
//	data, err := r.Read(0, hdr.Length)
//
// Ring layers a circular byte log over a session's payload.
//
// Backends are selected through Config: System V shared memory and
// semaphores, mmap'ed files locked with flock, or process-local memory.
// Metrics are exported through Prometheus (RegisterMetrics) and
// OpenTelemetry (Config.Meter); spans through Config.Tracer.
package shm
