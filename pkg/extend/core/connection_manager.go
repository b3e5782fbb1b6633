package core

// ConnectionManager is notified of connection-lifecycle events by the
// Connection it owns. Peer implements this: the same object that runs
// the service loop is the callback target for connections it created.
type ConnectionManager interface {
	OnConnectionClosed(conn *Connection, cause error)
	OnConnectionError(conn *Connection, cause error)
}
