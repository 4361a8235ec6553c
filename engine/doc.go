// Package engine wraps the wazero runtime that compiles and executes guest
// modules.
//
// # Architecture
//
// The engine package provides two types:
//
//	Engine - owns a wazero.Runtime; created and closed by the host application
//	Module - a compiled guest module, immutable and reusable
//
// Compilation failures, whether the path is unreadable or the binary is
// malformed, are reported as errors.ErrModuleLoad.
//
// # Configuration
//
//	eng, err := engine.New(ctx, &engine.Config{
//	    MemoryLimitPages: 256,   // 16MB per instance
//	    CacheDir:         dir,   // persistent compilation cache
//	})
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use. Each guest instance must be
// driven by a single goroutine.
package engine
