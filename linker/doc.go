// Package linker implements the import registry guest modules are
// instantiated against.
//
// # Main Types
//
//   - Linker: maps (namespace, name) to host functions and instantiates guests
//   - Namespace: the functions registered under one import module name
//   - FuncDef: a host function with its core signature
//
// # Thread Safety
//
// Linker and Namespace are safe for concurrent use.
//
// # Import Resolution
//
//  1. Every function import of the guest is checked against the registry.
//     Missing imports and signature disagreements are reported together as
//     errors.ErrInstantiation before anything is materialized.
//  2. Each imported namespace is materialized as a wazero host module.
//     A namespace is rebuilt only when its definitions changed.
//  3. The guest is instantiated with start functions disabled.
//
// Namespaces the linker does not know are left to the runtime, so modules the
// host instantiated directly in the same wazero runtime remain importable.
//
// # Example
//
//	lk := linker.NewWithDefaults(eng)
//	lk.DefineFunc("env", "now", nowFn, nil, []api.ValueType{api.ValueTypeI64})
//	inst, err := lk.Instantiate(ctx, mod, "")
package linker
