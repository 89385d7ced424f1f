package strategy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// State is everything the engine must remember across restarts: the
// operator's enabled switch, the per-day cooldown and panic-lock maps,
// the pending sell-all flag, and the tick strategy's intraday book.
type State struct {
	Enabled        bool              `json:"enabled"`
	SellCooldown   map[string]string `json:"sell_cooldown"`    // symbol -> YYYY-MM-DD
	AddBuyCooldown map[string]string `json:"add_buy_cooldown"` // symbol -> YYYY-MM-DD
	PanicLocks     map[string]string `json:"panic_locks"`      // symbol -> YYYY-MM-DD
	SellAllRebuy   bool              `json:"sell_all_rebuy"`
	Tick           TickState         `json:"tick"`
}

// TickState is the intraday book of the single-symbol tick strategy.
// Window holds the last hour of observed prices for the trailing-low
// entry; it resets with the date.
type TickState struct {
	Symbol        string       `json:"symbol"`
	Date          string       `json:"date"`
	Position      int64        `json:"position"`
	AvgPrice      float64      `json:"avg_price"`
	Entries       int          `json:"entries"`
	LastSellPrice float64      `json:"last_sell_price"`
	Window        []TickSample `json:"window,omitempty"`
}

// TickSample is one observed price point in the trailing window.
type TickSample struct {
	At    time.Time `json:"at"`
	Price float64   `json:"price"`
}

func newState() *State {
	return &State{
		SellCooldown:   make(map[string]string),
		AddBuyCooldown: make(map[string]string),
		PanicLocks:     make(map[string]string),
	}
}

func (st *State) ensureMaps() {
	if st.SellCooldown == nil {
		st.SellCooldown = make(map[string]string)
	}
	if st.AddBuyCooldown == nil {
		st.AddBuyCooldown = make(map[string]string)
	}
	if st.PanicLocks == nil {
		st.PanicLocks = make(map[string]string)
	}
}

// prune drops cooldown and lock entries from previous days so the maps
// never grow past one day's activity.
func (st *State) prune(today string) {
	for _, m := range []map[string]string{st.SellCooldown, st.AddBuyCooldown, st.PanicLocks} {
		for symbol, day := range m {
			if day != today {
				delete(m, symbol)
			}
		}
	}
}

func (st *State) sellLocked(symbol, today string) bool {
	return st.SellCooldown[symbol] == today
}

func (st *State) addBuyLocked(symbol, today string) bool {
	return st.AddBuyCooldown[symbol] == today
}

func (st *State) panicLocked(symbol, today string) bool {
	return st.PanicLocks[symbol] == today
}

// clone returns a deep copy safe to hand out past the engine's lock.
func (st *State) clone() *State {
	cp := *st
	cp.SellCooldown = copyMap(st.SellCooldown)
	cp.AddBuyCooldown = copyMap(st.AddBuyCooldown)
	cp.PanicLocks = copyMap(st.PanicLocks)
	cp.Tick.Window = append([]TickSample(nil), st.Tick.Window...)
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store persists the strategy state as one JSON file. A missing or
// unreadable file yields a fresh disabled state, never an error: the
// engine must come up even if the blob was lost.
type Store struct {
	path string
	log  zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("module", "strategy").Logger(),
	}
}

func (s *Store) Load() *State {
	st := newState()
	if s.path == "" {
		return st
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Strategy state unreadable, starting fresh")
		}
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Strategy state corrupt, starting fresh")
		return newState()
	}
	st.ensureMaps()
	return st
}

// Save writes the blob through a temp file so a crash mid-write cannot
// corrupt the previous state.
func (s *Store) Save(st *State) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
