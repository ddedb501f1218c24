// Copyright © 2024 The robotdev authors

package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/robotdev/transport"
)

// errMalformed marks a message that is not a JSON object. The stream
// itself is still usable.
var errMalformed = errors.New("malformed message")

// header holds the fields the proxy routes DAP messages by.
type header struct {
	Seq        int    `json:"seq"`
	Type       string `json:"type"`
	Command    string `json:"command,omitempty"`
	Event      string `json:"event,omitempty"`
	RequestSeq int    `json:"request_seq,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Message    string `json:"message,omitempty"`
}

// request returns a go-dap request carrying h's seq and command, for
// building local responses.
func (h header) request() *dap.Request {
	return &dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: h.Seq, Type: "request"},
		Command:         h.Command,
	}
}

// peer is one side of a proxied session. Messages are kept as raw JSON;
// only seq and request_seq are rewritten on the way out.
type peer struct {
	conn *transport.Conn

	mu  sync.Mutex
	seq int
}

func newPeer(rwc io.ReadWriteCloser) *peer {
	return &peer{conn: transport.NewConn(rwc)}
}

func (p *peer) read() ([]byte, header, error) {
	data, err := p.conn.Read()
	if err != nil {
		return nil, header{}, err
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, header{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return data, h, nil
}

// forward writes data with this peer's next sequence number. A non-zero
// requestSeq replaces the message's request_seq. record, if set, sees the
// assigned seq before the message is written.
func (p *peer) forward(data []byte, requestSeq int, record func(seq int)) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	m["seq"] = json.RawMessage(strconv.Itoa(p.seq))
	if requestSeq > 0 {
		m["request_seq"] = json.RawMessage(strconv.Itoa(requestSeq))
	}
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if record != nil {
		record(p.seq)
	}
	return p.conn.Write(out)
}

// send writes a message built by the launcher itself and returns its seq.
func (p *peer) send(msg dap.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var seq int
	err = p.forward(data, 0, func(s int) { seq = s })
	return seq, err
}
