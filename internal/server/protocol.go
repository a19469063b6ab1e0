package server

import (
	"encoding/json"

	"twentyone/internal/game"
)

// Command names a protocol message.
type Command string

// Server to client.
const (
	CmdConnect           Command = "CONNECT"
	CmdSetUser           Command = "SET_USER"
	CmdSetPlayers        Command = "SET_PLAYERS"
	CmdAddPlayer         Command = "ADD_PLAYER"
	CmdRemovePlayer      Command = "REMOVE_PLAYER"
	CmdHandUpdate        Command = "HAND_UPDATE"
	CmdTokenUpdate       Command = "TOKEN_UPDATE"
	CmdStatusUpdate      Command = "STATUS_UPDATE"
	CmdRoundStarted      Command = "ROUND_STARTED"
	CmdRoundPlayerChange Command = "ROUND_PLAYER_CHANGE"
	CmdDealerChange      Command = "DEALER_CHANGE"
	CmdRoundInProgress   Command = "ROUND_IN_PROGRESS"
	CmdRoundFinished     Command = "ROUND_FINISHED"
	CmdDisconnect        Command = "DISCONNECT"
	CmdError             Command = "ERROR"
)

// Client to server. CONNECT and DISCONNECT travel both ways.
const (
	CmdHit   Command = "HIT"
	CmdStick Command = "STICK"
	CmdDeal  Command = "DEAL"
)

// Message is the JSON envelope for every websocket frame.
type Message struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// greeting is the server's half of the handshake.
type greeting struct {
	ID string `json:"id"`
}

// settings is the client's half of the handshake.
type settings struct {
	Name   string `json:"name"`
	Tokens int    `json:"tokens"`
}

type roundPayload struct {
	Round   int               `json:"round"`
	Dealer  *game.PlayerView  `json:"dealer,omitempty"`
	Players []game.PlayerView `json:"players,omitempty"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// encode marshals a message. Every call produces fresh bytes from the
// payload as it is now.
func encode(cmd Command, payload any) ([]byte, error) {
	msg := Message{Command: cmd}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = p
	}
	return json.Marshal(msg)
}
