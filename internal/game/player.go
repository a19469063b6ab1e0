package game

import (
	"fmt"
	"sync"

	"twentyone/internal/lockorder"
)

// Status is a player's standing within the current round.
type Status int

const (
	StatusPlaying Status = iota
	StatusWinner
	StatusLoser
)

var statusNames = [...]string{"PLAYING", "WINNER", "LOSER"}

func (s Status) String() string {
	if s < StatusPlaying || s > StatusLoser {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusPlaying || s > StatusLoser {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// PlayerView is a point-in-time copy of a player, used on the wire.
type PlayerView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Tokens int    `json:"tokens"`
	Hand   []Card `json:"hand"`
	Value  int    `json:"value"`
	Status Status `json:"status"`
}

// Player is a seat at the table, independent of any connection. Tokens, hand
// and status each have their own mutex so unrelated updates never contend.
// Subscribers are always called with none of the player's mutexes held.
type Player struct {
	id   string
	name string

	tokensMu sync.Mutex
	tokens   int

	handMu sync.Mutex
	hand   *Hand

	statusMu sync.Mutex
	status   Status

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewPlayer creates a player with an empty hand.
func NewPlayer(id, name string, tokens int) *Player {
	if tokens < 0 {
		tokens = 0
	}
	return &Player{
		id:     id,
		name:   name,
		tokens: tokens,
		hand:   NewHand(id),
		subs:   make(map[int]func(Event)),
	}
}

func (p *Player) ID() string   { return p.id }
func (p *Player) Name() string { return p.name }

// Equal reports whether both refer to the same player identity.
func (p *Player) Equal(other *Player) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.id == other.id
}

func (p *Player) String() string {
	return fmt.Sprintf("%s (%s)", p.name, p.id)
}

// Subscribe registers fn for every change to this player and returns a
// function that removes it.
func (p *Player) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()
	return func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}
}

func (p *Player) emit(kind EventKind) {
	p.subsMu.RLock()
	if len(p.subs) == 0 {
		p.subsMu.RUnlock()
		return
	}
	fns := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subsMu.RUnlock()

	v := p.View()
	ev := Event{Kind: kind, Player: &v}
	for _, fn := range fns {
		fn(ev)
	}
}

// Tokens returns the current balance.
func (p *Player) Tokens() int {
	p.tokensMu.Lock()
	defer p.tokensMu.Unlock()
	return p.tokens
}

// TransferTokens moves amount tokens to target. A player who cannot cover
// the amount hands over everything they have. Transfers to oneself and
// non-positive amounts do nothing. It returns the number of tokens moved.
func (p *Player) TransferTokens(target *Player, amount int) int {
	if target == nil || p.Equal(target) || amount <= 0 {
		return 0
	}

	unlock := lockorder.Lock2(&p.tokensMu, p.id, &target.tokensMu, target.id)
	moved := min(amount, p.tokens)
	p.tokens -= moved
	target.tokens += moved
	unlock()

	if moved == 0 {
		return 0
	}
	target.emit(EventTokensChanged)
	p.emit(EventTokensChanged)
	return moved
}

// Hand returns the player's current hand.
func (p *Player) Hand() *Hand {
	p.handMu.Lock()
	defer p.handMu.Unlock()
	return p.hand
}

// HandValue is the value of the current hand.
func (p *Player) HandValue() int {
	return p.Hand().Value()
}

func (p *Player) AddCard(c Card) {
	p.handMu.Lock()
	p.hand.Add(c)
	p.handMu.Unlock()
	p.emit(EventHandChanged)
}

// ClearHand replaces the hand with an empty one.
func (p *Player) ClearHand() {
	p.handMu.Lock()
	p.hand = NewHand(p.id)
	p.handMu.Unlock()
	p.emit(EventHandChanged)
}

func (p *Player) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

func (p *Player) SetStatus(s Status) {
	p.statusMu.Lock()
	p.status = s
	p.statusMu.Unlock()
	p.emit(EventStatusChanged)
}

// View snapshots the player. Each field is read under its own mutex, so the
// view is consistent per field rather than across fields.
func (p *Player) View() PlayerView {
	h := p.Hand()
	cards := h.Cards()
	return PlayerView{
		ID:     p.id,
		Name:   p.name,
		Tokens: p.Tokens(),
		Hand:   cards,
		Value:  HandValue(cards),
		Status: p.Status(),
	}
}
