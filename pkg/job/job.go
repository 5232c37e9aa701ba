package job

import "time"

type Kind string
type State string
type Outcome string

const (
	KindDatasetGroup    Kind = "dataset_group"
	KindImportJob       Kind = "import_job"
	KindSolutionVersion Kind = "solution_version"
	KindCampaign        Kind = "campaign"
	KindFilter          Kind = "filter"
)

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeErrored  Outcome = "errored"
)

// Status tokens reported by the remote service's describe calls.
const (
	TokenActive           = "ACTIVE"
	TokenCreatePending    = "CREATE PENDING"
	TokenCreateInProgress = "CREATE IN_PROGRESS"
	TokenCreateFailed     = "CREATE FAILED"
	TokenCreateStopping   = "CREATE STOPPING"
	TokenCreateStopped    = "CREATE STOPPED"
	TokenUpdatePending    = "UPDATE PENDING"
	TokenUpdateInProgress = "UPDATE IN_PROGRESS"
	TokenDeletePending    = "DELETE PENDING"
	TokenDeleteInProgress = "DELETE IN_PROGRESS"
)

// Handle identifies a resource created on the remote service. It is never mutated.
type Handle struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

type Status struct {
	Handle       Handle    `json:"handle"`
	State        State     `json:"state"`
	Token        string    `json:"token"`
	LastPolledAt time.Time `json:"last_polled_at"`
}

var commonTokens = map[string]State{
	TokenActive:           StateActive,
	TokenCreatePending:    StatePending,
	TokenCreateInProgress: StatePending,
	TokenCreateFailed:     StateFailed,
	TokenDeletePending:    StatePending,
	TokenDeleteInProgress: StatePending,
}

var kindTokens = map[Kind]map[string]State{
	KindSolutionVersion: {
		TokenCreateStopping: StatePending,
		TokenCreateStopped:  StateFailed,
	},
	KindCampaign: {
		TokenUpdatePending:    StatePending,
		TokenUpdateInProgress: StatePending,
	},
	KindFilter:       {},
	KindDatasetGroup: {},
	KindImportJob:    {},
}

// Classify maps a status token to a State for the given kind. Tokens the kind
// does not know classify as pending and report known=false.
func Classify(kind Kind, token string) (state State, known bool) {
	if s, ok := kindTokens[kind][token]; ok {
		return s, true
	}
	if s, ok := commonTokens[token]; ok {
		return s, true
	}
	return StatePending, false
}

// Terminal reports whether the state ends polling.
func (s State) Terminal() bool {
	return s == StateActive || s == StateFailed
}
