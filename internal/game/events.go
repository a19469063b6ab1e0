package game

// EventKind identifies what changed.
type EventKind int

const (
	// Player events.
	EventHandChanged EventKind = iota + 1
	EventTokensChanged
	EventStatusChanged

	// Round events.
	EventStateChanged
	EventTurnChanged
	EventDealerChanged

	// Table events.
	EventPlayerJoined
	EventPlayerLeft
	EventPlayerEliminated
)

var eventKindNames = map[EventKind]string{
	EventHandChanged:   "hand_changed",
	EventTokensChanged: "tokens_changed",
	EventStatusChanged: "status_changed",
	EventStateChanged:  "state_changed",
	EventTurnChanged:   "turn_changed",
	EventDealerChanged: "dealer_changed",

	EventPlayerJoined:     "player_joined",
	EventPlayerLeft:       "player_left",
	EventPlayerEliminated: "player_eliminated",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a change notification. Player and Players are snapshots taken when
// the change happened, so later mutations never leak into an event already
// queued for delivery.
type Event struct {
	Kind EventKind

	// Player is the subject of a player or table event, the new turn holder
	// (nil when nobody holds the turn), or the dealer for EventDealerChanged
	// and for EventStateChanged into StateReady or StateFinished.
	Player *PlayerView

	// State and Round are set for EventStateChanged. Round counts resets,
	// starting at 1.
	State State
	Round int

	// Players is the round roster in turn order, set when a round becomes
	// ready or finishes. For EventPlayerJoined it is the roster the newcomer
	// sees: the round's players, or the lobby before the first round.
	Players []PlayerView
}
