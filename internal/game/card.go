package game

import "fmt"

// Suit is a playing card suit.
type Suit int

const (
	Clubs Suit = iota
	Diamonds
	Hearts
	Spades
)

var suitNames = [...]string{"CLUBS", "DIAMONDS", "HEARTS", "SPADES"}

// Suits lists every suit in deck order.
var Suits = []Suit{Clubs, Diamonds, Hearts, Spades}

func (s Suit) String() string {
	if s < Clubs || s > Spades {
		return fmt.Sprintf("Suit(%d)", int(s))
	}
	return suitNames[s]
}

func (s Suit) MarshalText() ([]byte, error) {
	if s < Clubs || s > Spades {
		return nil, fmt.Errorf("invalid suit %d", int(s))
	}
	return []byte(suitNames[s]), nil
}

func (s *Suit) UnmarshalText(text []byte) error {
	for i, name := range suitNames {
		if name == string(text) {
			*s = Suit(i)
			return nil
		}
	}
	return fmt.Errorf("unknown suit %q", text)
}

// Rank is a playing card rank.
type Rank int

const (
	Ace Rank = iota
	Two
	Three
	Four
	Five
	Six
	Seven
	Eight
	Nine
	Ten
	Jack
	Queen
	King
)

var rankNames = [...]string{
	"ACE", "TWO", "THREE", "FOUR", "FIVE", "SIX", "SEVEN",
	"EIGHT", "NINE", "TEN", "JACK", "QUEEN", "KING",
}

// Ranks lists every rank in deck order.
var Ranks = []Rank{Ace, Two, Three, Four, Five, Six, Seven, Eight, Nine, Ten, Jack, Queen, King}

// Points is the rank's base value in a hand. Aces count 11 here; Hand
// downgrades them to 1 when needed.
func (r Rank) Points() int {
	switch {
	case r == Ace:
		return 11
	case r >= Jack:
		return 10
	default:
		return int(r) + 1
	}
}

func (r Rank) String() string {
	if r < Ace || r > King {
		return fmt.Sprintf("Rank(%d)", int(r))
	}
	return rankNames[r]
}

func (r Rank) MarshalText() ([]byte, error) {
	if r < Ace || r > King {
		return nil, fmt.Errorf("invalid rank %d", int(r))
	}
	return []byte(rankNames[r]), nil
}

func (r *Rank) UnmarshalText(text []byte) error {
	for i, name := range rankNames {
		if name == string(text) {
			*r = Rank(i)
			return nil
		}
	}
	return fmt.Errorf("unknown rank %q", text)
}

// Card is an immutable playing card.
type Card struct {
	Suit Suit `json:"suit"`
	Rank Rank `json:"rank"`
}

func (c Card) String() string {
	return c.Rank.String() + " of " + c.Suit.String()
}
