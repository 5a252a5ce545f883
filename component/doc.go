// Package component is the lifecycle shared by the directory, the remote
// directory client, the routing table and the admin server.
package component
