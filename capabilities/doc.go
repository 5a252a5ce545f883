// Package capabilities holds the domain model of the local capabilities
// directory: discovery entries, transport addresses and GBID rules, the
// three-way Result with its Future, and the interfaces of the collaborators
// the directory depends on (entry stores, global directory client, routing
// table, global address provider).
//
// The directory itself lives in capabilities/directory; stores, remote
// clients and the admin API live in sibling packages.
package capabilities
