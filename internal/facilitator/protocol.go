package facilitator

// JSON payloads of the facilitator request/response protocol. Every request
// travels as a Facilitate-typed wire message whose name selects the
// operation; responses echo the request id.

// AddRequest registers an agent with the facilitator.
type AddRequest struct {
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	VoiceID     string `json:"voice_id"`
	PrivateIP   string `json:"private_ip"`
	PrivatePort int    `json:"private_port"`
	NATType     string `json:"nat_type,omitempty"`
}

// AddResponse returns the assigned agent id and the endpoint quad.
type AddResponse struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	VoiceID     string `json:"voice_id"`
	PrivateIP   string `json:"private_ip"`
	PrivatePort int    `json:"private_port"`
	PublicIP    string `json:"public_ip"`
	PublicPort  int    `json:"public_port"`
}

// RemoveRequest unregisters an agent.
type RemoveRequest struct {
	AgentID string `json:"agent_id"`
}

// StatusResponse acknowledges Remove/Host/Join requests. Status is "ok" or
// "error"; Reason is human-readable and set only on error.
type StatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// AgentSummary is one row of a List response.
type AgentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListResponse enumerates registered agents.
type ListResponse struct {
	Agents []AgentSummary `json:"agents"`
}

// ConnectRequest asks the facilitator to introduce another agent.
type ConnectRequest struct {
	AgentID string `json:"agent_id"`
}

// ConnectResponse carries the introduced agent's identity and both of its
// endpoints for the NAT negotiation.
type ConnectResponse struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	VoiceID     string `json:"voice_id"`
	IsHost      bool   `json:"is_host"`
	PrivateIP   string `json:"private_ip"`
	PrivatePort int    `json:"private_port"`
	PublicIP    string `json:"public_ip"`
	PublicPort  int    `json:"public_port"`
}

// HostRequest announces a named session.
type HostRequest struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Img  string `json:"img,omitempty"`
	Info string `json:"info,omitempty"`
	Max  int    `json:"max"`
}

// JoinRequest joins a named session.
type JoinRequest struct {
	Name string `json:"name"`
}

// JoinResponse pairs the host's introduction with the descriptors the host
// registered for the session.
type JoinResponse struct {
	ConnectResponse
	URL  string `json:"url,omitempty"`
	Img  string `json:"img,omitempty"`
	Info string `json:"info,omitempty"`
}

// DiscoverResponse answers a LAN broadcast discovery probe.
type DiscoverResponse struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

func ok() StatusResponse             { return StatusResponse{Status: StatusOK} }
func fail(reason string) StatusResponse { return StatusResponse{Status: StatusError, Reason: reason} }
