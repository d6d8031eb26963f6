// Package replay reconstructs a parent's dynamic modules in a forked
// child, at the parent's addresses.
//
// # Protocol
//
// The engine runs over the topologically sorted registry the fork driver
// copied into the child:
//
//  1. ReserveAll books every dynamic module's address range so nothing
//     else can squat on it while the child boots.
//  2. LoadAfterFork maps each module without resolving its imports, just
//     to learn where the host loader wants to put it. A module that lands
//     wrong is unmapped, the wrong address is blockaded, and the engine
//     recurses so the blockade survives on the call stack while the
//     loader tries again — up to six times, after which the operator is
//     told to rebase the installation.
//  3. Once every module sits at (or is forced toward) its parent address,
//     each is loaded for real, and loaded again ref_count-1 times so the
//     host's internal counter matches the parent's.
//
// # Failure Model
//
// Every failure in here is fatal. By the time a module refuses its parent
// address, the child already holds a partially reconstructed address
// space; there is nothing to roll back to. Errors go to the registry's
// fatal channel, naming the module and the addresses involved.
package replay
