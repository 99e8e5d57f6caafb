package domain

// Result is the uniform outcome of a console operation. A failed result
// always carries a non-empty Message.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PlayersResult is a [Result] that also carries the players online, in the
// order the server reported them. Players is never nil.
type PlayersResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Players []string `json:"players"`
}

// ServerResult pairs a target name with the result of polling it.
type ServerResult struct {
	Server string `json:"server"`
	PlayersResult
}
