// Package transfer moves servers between nodes.
//
// A transfer reserves allocations on the target node and flips the
// server into a transferring state inside a single transaction, then
// asks the source daemon to archive and the target daemon to pull.
// The server's node assignment only changes when a success signal is
// finalized; every other outcome rolls the reservation back.
package transfer
