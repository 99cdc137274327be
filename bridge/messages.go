package bridge

// readLimit caps the size of a single WebSocket message.
const readLimit = 32768

// attachRequest is a client->server message.
type attachRequest struct {
	Stdin     []byte
	StdinDone bool
}

// attachResponse is a server->client message.
// Only the last message of the stream contains exit information.
type attachResponse struct {
	Stdout []byte
	Stderr []byte

	// Exited is true once the proxy has returned. ExitCode and TimeMS are set in that case.
	Exited   bool
	ExitCode int
	TimeMS   int64
}
