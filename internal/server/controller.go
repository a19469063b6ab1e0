package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"twentyone/internal/game"
	"twentyone/internal/session"
	"twentyone/internal/storage"
	"twentyone/internal/table"
)

const maxNameLen = 32

// Ledger records finished rounds.
type Ledger interface {
	RecordRound(storage.RoundRow) (int64, error)
}

// Controller turns table events into protocol messages and client commands
// into table calls.
type Controller struct {
	log           *slog.Logger
	model         *table.Model
	sessions      *session.Manager
	ledger        Ledger
	tableID       string
	defaultTokens int

	unsubscribe func()
}

// NewController subscribes to model. ledger may be nil.
func NewController(model *table.Model, sessions *session.Manager, ledger Ledger, tableID string, defaultTokens int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		log:           logger,
		model:         model,
		sessions:      sessions,
		ledger:        ledger,
		tableID:       tableID,
		defaultTokens: defaultTokens,
	}
	c.unsubscribe = model.Subscribe(c.onEvent)
	return c
}

// Close stops listening to the model.
func (c *Controller) Close() {
	c.unsubscribe()
}

func (c *Controller) onEvent(ev game.Event) {
	switch ev.Kind {
	case game.EventHandChanged:
		c.broadcast(CmdHandUpdate, ev.Player)
	case game.EventTokensChanged:
		c.broadcast(CmdTokenUpdate, ev.Player)
	case game.EventStatusChanged:
		c.broadcast(CmdStatusUpdate, ev.Player)
	case game.EventTurnChanged:
		c.broadcast(CmdRoundPlayerChange, ev.Player)
	case game.EventDealerChanged:
		c.broadcast(CmdDealerChange, ev.Player)
	case game.EventStateChanged:
		c.onState(ev)
	case game.EventPlayerJoined:
		c.broadcast(CmdAddPlayer, ev.Player)
		c.welcome(ev)
	case game.EventPlayerLeft:
		c.broadcast(CmdRemovePlayer, ev.Player)
	case game.EventPlayerEliminated:
		c.broadcast(CmdRemovePlayer, ev.Player)
		c.evict(ev.Player.ID, "out of tokens")
	}
}

func (c *Controller) onState(ev game.Event) {
	switch ev.State {
	case game.StateReady:
		c.broadcast(CmdSetPlayers, ev.Players)
		c.broadcast(CmdRoundStarted, ev.Player)
	case game.StateInProgress:
		c.broadcast(CmdRoundInProgress, nil)
	case game.StateFinished:
		c.broadcast(CmdRoundFinished, roundPayload{Round: ev.Round, Dealer: ev.Player, Players: ev.Players})
		c.record(ev)
	}
}

// welcome answers a CONNECT. It runs in event order so the newcomer sees
// SET_USER and SET_PLAYERS before the broadcasts for any round its arrival
// readied.
func (c *Controller) welcome(ev game.Event) {
	s, ok := c.sessions.Get(ev.Player.ID)
	if !ok {
		return
	}
	c.send(s, CmdSetUser, ev.Player)
	c.send(s, CmdSetPlayers, ev.Players)
}

func (c *Controller) record(ev game.Event) {
	if c.ledger == nil {
		return
	}
	row := storage.RoundRow{
		TableID: c.tableID,
		Number:  ev.Round,
		Stake:   c.model.Stake(),
	}
	if ev.Player != nil {
		row.DealerID = ev.Player.ID
	}
	for i, v := range ev.Players {
		row.Results = append(row.Results, storage.ResultRow{
			Seat:      i,
			PlayerID:  v.ID,
			Name:      v.Name,
			Status:    v.Status.String(),
			HandValue: v.Value,
			Tokens:    v.Tokens,
		})
	}
	if _, err := c.ledger.RecordRound(row); err != nil {
		c.log.Error("record round", "round", ev.Round, "error", err)
	}
}

// evict tells a player they are out and closes their connection once the
// message is flushed.
func (c *Controller) evict(id, reason string) {
	s, ok := c.sessions.Get(id)
	if !ok {
		return
	}
	if msg, err := encode(CmdDisconnect, disconnectPayload{Reason: reason}); err == nil {
		s.Send(msg)
	}
	s.Close()
	c.log.Info("player evicted", "player", id, "reason", reason)
}

func (c *Controller) broadcast(cmd Command, payload any) {
	msg, err := encode(cmd, payload)
	if err != nil {
		c.log.Error("encode message", "command", cmd, "error", err)
		return
	}
	for _, id := range c.sessions.Broadcast(msg) {
		c.log.Warn("dropped slow client", "session", id, "command", cmd)
	}
}

func (c *Controller) send(s *session.Session, cmd Command, payload any) {
	msg, err := encode(cmd, payload)
	if err != nil {
		c.log.Error("encode message", "command", cmd, "error", err)
		return
	}
	if !c.sessions.Send(s.ID, msg) {
		c.log.Warn("send failed", "session", s.ID, "command", cmd)
	}
}

func (c *Controller) sendError(s *session.Session, err error) {
	c.send(s, CmdError, errorPayload{Message: err.Error()})
}

// conn is the controller's view of one connection. It is only touched by
// that connection's reader.
type conn struct {
	sess   *session.Session
	joined bool
}

var (
	errNotConnected     = errors.New("connect first")
	errAlreadyConnected = errors.New("already connected")
	errUnknownCommand   = errors.New("unknown command")
)

// Handle routes one inbound message. It reports false when the connection
// should end.
func (c *Controller) Handle(cn *conn, msg Message) bool {
	log := c.log.With("session", cn.sess.ID, "command", msg.Command)
	var err error
	switch msg.Command {
	case CmdConnect:
		err = c.connect(cn, msg.Payload)
	case CmdHit:
		err = c.action(cn, c.model.Hit)
	case CmdStick:
		err = c.action(cn, c.model.Stick)
	case CmdDeal:
		err = c.action(cn, c.model.Deal)
	case CmdDisconnect:
		return false
	default:
		log.Warn("unknown command")
		err = fmt.Errorf("%w: %q", errUnknownCommand, msg.Command)
	}
	if err != nil {
		log.Debug("command rejected", "error", err)
		c.sendError(cn.sess, err)
	}
	return true
}

func (c *Controller) connect(cn *conn, payload json.RawMessage) error {
	if cn.joined {
		return errAlreadyConnected
	}
	var st settings
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("invalid settings: %w", err)
		}
	}
	st.Name = strings.TrimSpace(st.Name)
	if st.Name == "" {
		st.Name = "player-" + cn.sess.ID[:min(8, len(cn.sess.ID))]
	}
	st.Name = truncate(st.Name, maxNameLen)
	if st.Tokens < 0 {
		return fmt.Errorf("invalid settings: negative tokens")
	}
	if st.Tokens == 0 {
		st.Tokens = c.defaultTokens
	}

	// The replies go out with the join event, see welcome.
	p := game.NewPlayer(cn.sess.ID, st.Name, st.Tokens)
	if err := c.model.AddPlayer(p); err != nil {
		return err
	}
	cn.joined = true
	return nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (c *Controller) action(cn *conn, fn func(string) error) error {
	if !cn.joined {
		return errNotConnected
	}
	return fn(cn.sess.ID)
}

// Disconnect removes the connection's player and unregisters it.
func (c *Controller) Disconnect(cn *conn) {
	if cn.joined {
		if _, err := c.model.RemovePlayer(cn.sess.ID); err != nil && !errors.Is(err, table.ErrUnknownPlayer) {
			c.log.Error("remove player", "player", cn.sess.ID, "error", err)
		}
	}
	c.sessions.Remove(cn.sess.ID)
	cn.sess.Close()
}
