// Package table hosts the single game table: the lobby of connected players,
// the dealer seat and the round being played.
package table

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"twentyone/internal/game"
)

var (
	ErrDuplicatePlayer = errors.New("player already seated")
	ErrUnknownPlayer   = errors.New("player not seated")
	ErrTableFull       = errors.New("table is full")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrNotDealer       = errors.New("only the dealer can deal")
)

// Config holds table settings.
type Config struct {
	Stake      int
	MaxPlayers int
}

// Model owns the lobby and the round. The lobby changes whenever players come
// and go; the round plays on a snapshot of it taken at reset.
//
// Lock order is mu (lobby), then the round's mutex, then player mutexes,
// then queueMu. Events from all of them go into one queue and are delivered
// after mu is released, so subscribers may call back into the Model.
type Model struct {
	log        *slog.Logger
	stake      int
	maxPlayers int

	mu     sync.Mutex
	lobby  []*game.Player
	dealer *game.Player
	round  *game.Round

	queueMu  sync.Mutex
	queue    []game.Event
	draining bool

	subsMu  sync.RWMutex
	subs    map[int]func(game.Event)
	nextSub int
}

// New creates an empty table. Round options are passed to the round, which
// is how tests stack the deck.
func New(cfg Config, logger *slog.Logger, opts ...game.RoundOption) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPlayers <= 0 || cfg.MaxPlayers > game.MaxPlayers {
		cfg.MaxPlayers = game.MaxPlayers
	}
	m := &Model{
		log:        logger,
		stake:      cfg.Stake,
		maxPlayers: cfg.MaxPlayers,
		round:      game.NewRound(opts...),
		subs:       make(map[int]func(game.Event)),
	}
	m.round.Subscribe(m.enqueue)
	return m
}

// Subscribe registers fn for every table, round and player event. Events
// arrive one at a time in the order they happened.
func (m *Model) Subscribe(fn func(game.Event)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Model) enqueue(ev game.Event) {
	m.queueMu.Lock()
	m.queue = append(m.queue, ev)
	m.queueMu.Unlock()
}

// drain delivers queued events. Only one goroutine drains at a time; others
// leave their events for it, which keeps delivery in queue order and lets a
// subscriber trigger more events without recursing.
func (m *Model) drain() {
	m.queueMu.Lock()
	if m.draining {
		m.queueMu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		batch := m.queue
		m.queue = nil
		m.queueMu.Unlock()

		m.subsMu.RLock()
		fns := make([]func(game.Event), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
		m.subsMu.RUnlock()

		for _, ev := range batch {
			for _, fn := range fns {
				fn(ev)
			}
		}
		m.queueMu.Lock()
	}
	m.draining = false
	m.queueMu.Unlock()
}

// locked runs fn with the lobby held and delivers its events afterwards.
func (m *Model) locked(fn func() error) error {
	m.mu.Lock()
	err := fn()
	m.mu.Unlock()
	m.drain()
	return err
}

// AddPlayer seats p in the lobby. The first player becomes dealer. Reaching
// two players readies a round from the lobby, replacing one that was never
// dealt. Later arrivals wait for the next round.
func (m *Model) AddPlayer(p *game.Player) error {
	return m.locked(func() error {
		if m.indexLocked(p.ID()) >= 0 {
			return fmt.Errorf("%s: %w", p.ID(), ErrDuplicatePlayer)
		}
		if len(m.lobby) >= m.maxPlayers {
			return ErrTableFull
		}
		m.lobby = append(m.lobby, p)
		v := p.View()
		m.enqueue(game.Event{Kind: game.EventPlayerJoined, Player: &v, Players: m.rosterLocked()})
		m.log.Info("player joined", "player", p.ID(), "name", p.Name(), "tokens", v.Tokens, "lobby", len(m.lobby))

		if len(m.lobby) == 1 {
			m.dealer = p
		}
		// A lobby back at two replaces an undealt round, which may still
		// seat players who have since left.
		reinit := len(m.lobby) == game.MinPlayers && m.round.State() == game.StateReady
		if len(m.lobby) >= game.MinPlayers && (m.idleLocked() || reinit) {
			m.resetLocked()
		}
		return nil
	})
}

// RemovePlayer takes the player out of the lobby and out of turn rotation.
// Their stake stays in play until the round ends.
func (m *Model) RemovePlayer(id string) (*game.Player, error) {
	var removed *game.Player
	err := m.locked(func() error {
		p := m.removeLocked(id)
		if p == nil {
			return fmt.Errorf("%s: %w", id, ErrUnknownPlayer)
		}
		removed = p
		v := p.View()
		m.enqueue(game.Event{Kind: game.EventPlayerLeft, Player: &v})
		m.log.Info("player left", "player", id, "lobby", len(m.lobby))

		if err := m.round.RemovePlayer(p); err != nil {
			m.log.Error("remove player from round", "player", id, "error", err)
		}
		m.afterRoundLocked()
		return nil
	})
	return removed, err
}

// RemoveBrokePlayers evicts every lobby player with no tokens left and
// returns them.
func (m *Model) RemoveBrokePlayers() []*game.Player {
	var out []*game.Player
	m.locked(func() error {
		out = m.removeBrokeLocked()
		m.afterRoundLocked()
		return nil
	})
	return out
}

func (m *Model) removeBrokeLocked() []*game.Player {
	var broke []*game.Player
	for _, p := range m.lobby {
		if p.Tokens() == 0 {
			broke = append(broke, p)
		}
	}
	for _, p := range broke {
		m.removeLocked(p.ID())
		v := p.View()
		m.enqueue(game.Event{Kind: game.EventPlayerEliminated, Player: &v})
		m.log.Info("player eliminated", "player", p.ID(), "lobby", len(m.lobby))
		if err := m.round.RemovePlayer(p); err != nil {
			m.log.Error("remove broke player from round", "player", p.ID(), "error", err)
		}
	}
	return broke
}

// removeLocked drops id from the lobby and hands the deal on if needed.
func (m *Model) removeLocked(id string) *game.Player {
	i := m.indexLocked(id)
	if i < 0 {
		return nil
	}
	p := m.lobby[i]
	m.lobby = slices.Delete(m.lobby, i, i+1)
	if p.Equal(m.dealer) {
		m.dealer = nil
		if len(m.lobby) > 0 {
			m.dealer = m.lobby[0]
			m.log.Info("dealer reassigned", "dealer", m.dealer.ID())
		}
	}
	return p
}

// Deal starts the ready round. Only the round's dealer may deal.
func (m *Model) Deal(actorID string) error {
	return m.locked(func() error {
		if err := m.actorLocked(actorID); err != nil {
			return err
		}
		if s := m.round.State(); s != game.StateReady {
			return fmt.Errorf("deal in %s: %w", s, game.ErrIllegalState)
		}
		if d := m.round.Dealer(); d == nil || d.ID() != actorID {
			return ErrNotDealer
		}
		err := m.round.Start()
		m.afterRoundLocked()
		return err
	})
}

// Hit draws a card for actorID, who must hold the turn.
func (m *Model) Hit(actorID string) error {
	return m.turnAction(actorID, "hit", m.round.Hit)
}

// Stick ends actorID's turn.
func (m *Model) Stick(actorID string) error {
	return m.turnAction(actorID, "stick", m.round.Stick)
}

func (m *Model) turnAction(actorID, op string, action func() error) error {
	return m.locked(func() error {
		if err := m.actorLocked(actorID); err != nil {
			return err
		}
		if s := m.round.State(); s != game.StateInProgress {
			return fmt.Errorf("%s in %s: %w", op, s, game.ErrIllegalState)
		}
		if cur := m.round.Current(); cur == nil || cur.ID() != actorID {
			return ErrNotYourTurn
		}
		err := action()
		m.afterRoundLocked()
		return err
	})
}

func (m *Model) actorLocked(id string) error {
	if m.indexLocked(id) < 0 {
		return fmt.Errorf("%s: %w", id, ErrUnknownPlayer)
	}
	return nil
}

// StartNextRound resets the round from the current lobby.
func (m *Model) StartNextRound() error {
	return m.locked(func() error {
		if len(m.lobby) < game.MinPlayers {
			return game.ErrNotEnoughPlayers
		}
		if s := m.round.State(); s == game.StateInProgress {
			return fmt.Errorf("next round in %s: %w", s, game.ErrIllegalState)
		}
		return m.resetLocked()
	})
}

// afterRoundLocked moves a finished round on: the round's dealer keeps the
// deal, broke players are evicted and, with enough players left, the next
// round is made ready. Otherwise the table idles until someone joins.
func (m *Model) afterRoundLocked() {
	if m.round.State() != game.StateFinished {
		return
	}
	if d := m.round.Dealer(); d != nil && m.indexLocked(d.ID()) >= 0 && !d.Equal(m.dealer) {
		m.dealer = d
		m.log.Info("deal passes", "dealer", d.ID())
	}
	m.removeBrokeLocked()
	if len(m.lobby) >= game.MinPlayers {
		m.resetLocked()
	} else {
		m.log.Info("table idle", "lobby", len(m.lobby))
	}
}

func (m *Model) resetLocked() error {
	if m.dealer == nil || m.indexLocked(m.dealer.ID()) < 0 {
		m.dealer = m.lobby[0]
	}
	snapshot := slices.Clone(m.lobby)
	if err := m.round.Reset(snapshot, m.dealer, m.stake); err != nil {
		m.log.Error("reset round", "error", err)
		return err
	}
	m.log.Info("round ready", "round", m.round.Number(), "dealer", m.dealer.ID(), "players", len(snapshot), "stake", m.stake)
	return nil
}

// rosterLocked is the round's players, or the lobby before any round exists.
func (m *Model) rosterLocked() []game.PlayerView {
	if m.round.State() == game.StateNone {
		return views(m.lobby)
	}
	return views(m.round.Players())
}

func (m *Model) idleLocked() bool {
	s := m.round.State()
	return s == game.StateNone || s == game.StateFinished
}

func (m *Model) indexLocked(id string) int {
	return slices.IndexFunc(m.lobby, func(p *game.Player) bool { return p.ID() == id })
}

// Player returns the seated player with id, or nil.
func (m *Model) Player(id string) *game.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(id); i >= 0 {
		return m.lobby[i]
	}
	return nil
}

// Dealer is the player who will deal the next round.
func (m *Model) Dealer() *game.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dealer
}

// LobbyPlayers returns the connected players in arrival order.
func (m *Model) LobbyPlayers() []*game.Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lobby)
}

// RoundPlayers returns the current round's roster in turn order.
func (m *Model) RoundPlayers() []*game.Player {
	return m.round.Players()
}

func (m *Model) RoundState() game.State {
	return m.round.State()
}

func (m *Model) Stake() int {
	return m.stake
}

// Info is a read-only summary of the table.
type Info struct {
	Round   int               `json:"round"`
	State   game.State        `json:"state"`
	Stake   int               `json:"stake"`
	Dealer  *game.PlayerView  `json:"dealer,omitempty"`
	Current *game.PlayerView  `json:"current,omitempty"`
	Lobby   []game.PlayerView `json:"lobby"`
	Players []game.PlayerView `json:"players"`
}

func (m *Model) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		Round: m.round.Number(),
		State: m.round.State(),
		Stake: m.stake,
		Lobby: views(m.lobby),
	}
	info.Players = views(m.round.Players())
	if m.dealer != nil {
		v := m.dealer.View()
		info.Dealer = &v
	}
	if cur := m.round.Current(); cur != nil {
		v := cur.View()
		info.Current = &v
	}
	return info
}

func views(players []*game.Player) []game.PlayerView {
	out := make([]game.PlayerView, len(players))
	for i, p := range players {
		out[i] = p.View()
	}
	return out
}
