// Package ipc is the unix-socket control channel between the daemon and
// attune-ctl.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

const SocketPath = "/tmp/attuned.sock"

// Commands accepted over the socket.
const (
	CmdStart  = "start"
	CmdToggle = "toggle"
	CmdCancel = "cancel"
	CmdStatus = "status"
)

type ControlMessage struct {
	Cmd string `json:"cmd"`
}

// Reply is the daemon's answer to a control message.
type Reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Partial string `json:"partial,omitempty"`
	Turns   int    `json:"turns"`
}

// StartServer accepts control connections and answers each message with the
// handler's reply. The returned func closes the listener and removes the
// socket.
func StartServer(handler func(ControlMessage) Reply) (func() error, error) {
	os.Remove(SocketPath)

	ln, err := net.Listen("unix", SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go handleConn(conn, handler)
		}
	}()

	return func() error {
		err := ln.Close()
		os.Remove(SocketPath)
		return err
	}, nil
}

func handleConn(conn net.Conn, handler func(ControlMessage) Reply) {
	defer conn.Close()

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		return
	}
	reply := handler(msg)
	json.NewEncoder(conn).Encode(reply)
}

// Send delivers one command to the daemon and returns its reply.
func Send(cmd string) (Reply, error) {
	conn, err := net.Dial("unix", SocketPath)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(ControlMessage{Cmd: cmd}); err != nil {
		return Reply{}, err
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}
