// Package vm implements the Ferrite virtual machine.
//
// This package contains:
//   - Tagged value representation (raw payloads and heap references)
//   - Size-classed heap with generational handles and guard-based locking
//   - Deferred reclamation driven by a background sweeper
//   - Stack/register bytecode interpreter with fault-based error reporting
package vm
