/*
Package bridge serves session proxies over HTTP, for hosts that can only be reached that way.

A client attaches with a WebSocket request to /attach/:session?reconnect=true|false.
The server runs one proxy attach for the connection and streams its stdio as
JSON messages: "request" messages go client->server, "response" messages go
server->client. The schema is in messages.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends request messages carrying stdin bytes, and one with StdinDone once its stdin ends.
 3. The server sends response messages carrying stdout and stderr bytes while the proxy runs.
 4. When the proxy exits, the server sends a response message with Exited=true and the ExitCode.
 5. The client initiates closing of the WebSocket connection.

The proxy is scoped to the WebSocket connection: if the connection dies, the proxy detaches.
The session daemon behind it keeps running and the client can attach again with reconnect=true.

GET /heartbeat returns the time of the previous heartbeat. A server configured with a heartbeat
timeout calls its failure handler when heartbeats stop arriving.
*/
package bridge
