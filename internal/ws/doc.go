// Package ws implements the WebSocket alert stream for alertpipe.
//
// Hub keeps a set of connected clients. Run(ctx) pushes the active alert
// list to all of them every interval; Publish pushes it again after every
// alert event, tagged with the event type and the instance that changed.
//
// Message format:
//
//	{
//	  "event":    "snapshot" | "pending" | "firing" | "resolved" | "acknowledged" | "silenced",
//	  "instance": { /* alerts.Instance, omitted for snapshots */ },
//	  "data":     { /* same schema as GET /api/v1/alerts */ }
//	}
//
// The server mounts the hub at /ws/stream.
package ws
