package balance

const (
	RevealLabel       = "Show balance"
	EntryErrorMessage = "Error, try again!"
	FailedMessage     = "Unable to load your balances. Please try again."
)

type CellKind string

const (
	CellReveal  CellKind = "reveal"
	CellSpinner CellKind = "spinner"
	CellError   CellKind = "error"
	CellBalance CellKind = "balance"
)

// Action names the command a cell triggers when clicked.
type Action string

const (
	ActionNone    Action = ""
	ActionReveal  Action = "reveal"
	ActionHide    Action = "hide"
	ActionRefresh Action = "refresh"
)

type Cell struct {
	Kind   CellKind `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Hint   string   `json:"hint,omitempty"`
	Action Action   `json:"action,omitempty"`
}

// Badge is the info tooltip attached to a token's symbol.
type Badge struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Row struct {
	Symbol  string `json:"symbol"`
	Badge   *Badge `json:"badge,omitempty"`
	Balance Cell   `json:"balance"`
}

// View is the presentation of a State: a two-column table, or a single
// message when the whole round failed.
type View struct {
	Columns    []string     `json:"columns"`
	Status     GlobalStatus `json:"status"`
	Visibility Visibility   `json:"visibility"`
	Rows       []Row        `json:"rows"`
	Message    string       `json:"message,omitempty"`
}

func (s State) View() View {
	view := View{
		Columns:    []string{"Currency", "Balance"},
		Status:     s.Status,
		Visibility: s.Visibility,
		Rows:       []Row{},
	}
	if s.Status == StatusFailed {
		view.Message = FailedMessage
		return view
	}
	for _, entry := range s.Entries {
		row := Row{Symbol: entry.Symbol, Balance: cellFor(s.Visibility, s.Status, entry)}
		if entry.Description != "" {
			row.Badge = &Badge{Title: entry.Symbol, Body: entry.Description}
		}
		view.Rows = append(view.Rows, row)
	}
	return view
}

// cellFor renders one balance cell. While a round is loading every revealed
// row shows the spinner, whatever its entry has already reported.
func cellFor(visibility Visibility, status GlobalStatus, entry Entry) Cell {
	if visibility != Revealed {
		return Cell{Kind: CellReveal, Text: RevealLabel, Action: ActionReveal}
	}
	if status == StatusLoading {
		return Cell{Kind: CellSpinner, Hint: entry.LastKnown}
	}
	switch entry.Status {
	case EntryPending:
		return Cell{Kind: CellSpinner, Hint: entry.LastKnown}
	case EntryErrored:
		return Cell{Kind: CellError, Text: EntryErrorMessage, Action: ActionRefresh}
	default:
		return Cell{Kind: CellBalance, Text: entry.FreeBalance, Action: ActionHide}
	}
}
