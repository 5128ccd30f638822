// Package registry is the durable catalog of node agents and the issuer of
// short-lived credentials for talking to them directly.
//
// Nodes carry the shared secret used to sign calls in both directions: the
// panel authenticates to a node agent with the node's bearer token, and
// inbound callbacks are authenticated by resolving the node from its token
// id and comparing secrets in constant time. Issued credentials are HS256
// JWTs bound to one node, one subject and exactly one capability scope;
// they are never persisted.
package registry
