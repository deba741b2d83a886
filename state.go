package embedauth

// State is a position in the token acquisition workflow.
type State int

const (
	// StateNoCredential means no usable embed token is held.
	StateNoCredential State = iota
	// StateAwaitingSession means a generate-session request is in flight.
	StateAwaitingSession
	// StateAwaitingCredential means a session exchange request is in flight.
	StateAwaitingCredential
	// StateHaveCredential means a valid embed token is held.
	StateHaveCredential
	// StateAwaitingDeployment means the deployment and API token fetches are in flight.
	StateAwaitingDeployment
	// StateReady means the endpoint is resolved.
	StateReady
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNoCredential:
		return "NoCredential"
	case StateAwaitingSession:
		return "AwaitingSession"
	case StateAwaitingCredential:
		return "AwaitingCredential"
	case StateHaveCredential:
		return "HaveCredential"
	case StateAwaitingDeployment:
		return "AwaitingDeployment"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Step names used in errors, logs and metrics.
const (
	StepGenerateSession = "generate-session"
	StepExchangeSession = "exchange-session"
	StepFetchDeployment = "fetch-deployment"
	StepFetchAPIToken   = "fetch-api-token"

	// stepResolve guards the combined deployment + API token fetch.
	stepResolve = "resolve-endpoint"
)
