// Package memory provides host access to guest linear memory.
//
// Guest memory is never cached by the host: every access goes through a
// Getter that resolves the current api.Memory, and every byte span returned
// here aliases guest memory and becomes stale after the guest grows it.
//
// The I/O imports address memory with a base pointer and a separate offset.
// Span resolves such a triple into the length bytes starting at buf+offset:
//
//	view := mem[buf : buf+offset+length]
//	span := view[offset:]
package memory
