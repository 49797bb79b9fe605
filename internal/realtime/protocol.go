// Package realtime serves a document store to remote sync clients over a
// websocket and provides the matching client.
//
// Every message is one JSON frame. Clients open listens and commit writes;
// the server answers with snapshots and commit outcomes correlated by the
// client-chosen frame id.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/carebridge/telesync/internal/docstore"
)

// FrameType names a message on the wire.
type FrameType string

// Client to server
const (
	FrameListenDoc   FrameType = "listen_doc"
	FrameListenQuery FrameType = "listen_query"
	FrameUnlisten    FrameType = "unlisten"
	FrameCommit      FrameType = "commit"
)

// Server to client
const (
	FrameDoc          FrameType = "doc"
	FrameDocs         FrameType = "docs"
	FrameError        FrameType = "error"
	FrameCommitted    FrameType = "committed"
	FrameCommitFailed FrameType = "commit_failed"
)

// Frame is the single message shape. Which fields are set depends on Type.
// A doc frame without Doc reports that the document does not exist.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`

	Path  docstore.Path   `json:"path,omitempty"`
	Query *docstore.Query `json:"query,omitempty"`
	Write *docstore.Write `json:"write,omitempty"`

	Doc  *docstore.Document  `json:"doc,omitempty"`
	Docs []docstore.Document `json:"docs,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// Pings are sent with this period; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Largest frame accepted from a peer
	maxFrameSize = 1 << 20

	// Outgoing frames buffered per connection
	sendBuffer = 256
)
