// Package realtime is the messaging node: it authenticates WebSocket
// connections against the Session Authority, tracks room membership per node
// and fans events out across nodes through a Broadcaster.
//
// Rooms:
//   - user/<id>      every connection of one identity
//   - channel/<name> connections that joined a channel
//   - global         every admitted connection
//
// Revocation and mute changes arrive as broadcast RPC commands and are applied
// to the connections each node holds locally.
package realtime
